/*
Package arch describes the saved user register state of a task.

A Context is the trap frame captured when control passes from user mode into
the kernel. The kernel core only needs a handful of operations on it (read and
write a general register, set the stack pointer, return address and thread
pointer, and access the system call argument and return registers), so each
supported architecture provides a Frame type implementing Context.

The architecture is chosen at build time. riscv64 is the default; building
with the loong64abi tag selects loongarch64. Both use the asm-generic system
call table.
*/
package arch
