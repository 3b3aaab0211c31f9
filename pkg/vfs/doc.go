// Package vfs is the filesystem collaborator of the process core. It
// defines the small FileSystem surface exec needs to read images, the
// per-process descriptor table, and the working directory record.
//
// Descriptor tables and working directories can be shared between
// tasks or copied, matching the CLONE_FILES and CLONE_FS clone flags:
//
//	files := vfs.NewFileTable(256)
//	fd, _ := files.Install(f, false)
//	child := files.Copy()
//
// Backends: memfs keeps files in memory, diskfs serves a host directory
// and overlayfs stacks a writable filesystem over a read-only one.
package vfs
