// Package kernel ties the process model, signal contexts, address spaces
// and futexes together into the Linux process and signal system calls.
//
// Every user thread is a sched.Task running a goroutine. User mode is
// simulated by a Userland, which runs Go code on behalf of the program
// counter found in the trap frame; that code enters the kernel through
// Task.Syscall. Each return to user mode runs the signal delivery driver,
// which may divert the thread into a handler or end it.
package kernel
