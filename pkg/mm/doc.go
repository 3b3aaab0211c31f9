/*
Package mm provides user address spaces for the process core.

An AddressSpace is a sparse set of 4 KiB pages covering the user range
[UserBase, UserTop) plus a shared, read-only KernelMappings portion that
holds the signal trampoline. Clones either share pages copy-on-write or
copy them eagerly; the kernel portion is re-attached explicitly after a
clone.

AddressSpace implements io.ReaderAt and io.WriterAt over user virtual
addresses, returning an error wrapping EFAULT for unmapped addresses.
Sharing between processes and threads is tracked with an owner count so
exec can insist on being the only user.
*/
package mm
