/*
Package abi defines the Linux user/kernel interface constants and binary
layouts shared by the process core.

Everything here describes the guest ABI seen by user programs: errno values,
signal numbers, clone flags, wait options, futex operations, system call
numbers (asm-generic table used by riscv64 and loongarch64) and the byte
layouts of the structures copied across the user boundary:

  - struct sigaction (asm-generic, no sa_restorer)
  - siginfo_t (128 bytes)
  - stack_t
  - the architecture independent head of ucontext_t

All multi-byte values are little-endian.
*/
package abi
