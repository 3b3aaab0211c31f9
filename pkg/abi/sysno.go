package abi

// System call numbers from the asm-generic table shared by riscv64 and
// loongarch64.
const (
	SYS_EXIT            = 93
	SYS_EXIT_GROUP      = 94
	SYS_SET_TID_ADDRESS = 96
	SYS_FUTEX           = 98
	SYS_SCHED_YIELD     = 124
	SYS_KILL            = 129
	SYS_TKILL           = 130
	SYS_TGKILL          = 131
	SYS_SIGALTSTACK     = 132
	SYS_RT_SIGSUSPEND   = 133
	SYS_RT_SIGACTION    = 134
	SYS_RT_SIGPROCMASK  = 135
	SYS_RT_SIGPENDING   = 136
	SYS_RT_SIGTIMEDWAIT = 137
	SYS_RT_SIGQUEUEINFO = 138
	SYS_RT_SIGRETURN    = 139
	SYS_SETPGID         = 154
	SYS_GETPGID         = 155
	SYS_GETPID          = 172
	SYS_GETPPID         = 173
	SYS_GETUID          = 174
	SYS_GETEUID         = 175
	SYS_GETGID          = 176
	SYS_GETEGID         = 177
	SYS_GETTID          = 178
	SYS_CLONE           = 220
	SYS_EXECVE          = 221
	SYS_WAIT4           = 260
)
