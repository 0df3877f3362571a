// Package layers stores compressed OCI layer archives on local disk and
// unpacks them into a root filesystem.
//
// # Layer Store
//
// The Store maps a layer digest to a compressed archive at
// <dir>/<digest>.tgz. FetchMissing downloads only the digests that are not
// already present, several at a time:
//
//	store := layers.NewStore(cfg.LayersDir(), 4, log)
//	fetched, err := store.FetchMissing(ctx, digests, blobs)
//
// Each download is streamed to a temporary file, checked against its digest
// and renamed into place, so an interrupted download is never mistaken for a
// stored layer. Calling FetchMissing again with the same digests performs no
// network I/O.
//
// # Unpacking
//
// Unpack applies layers strictly in the order given, which must be the
// manifest order (bottom to top):
//
//	err := layers.Unpack(store, digests, stagingDir, log)
//
// Later layers shadow earlier ones. Regular files and symlinks are replaced,
// directories are merged, and OCI whiteouts are honored:
//
//   - .wh.<name> deletes <name> from lower layers
//   - .wh..wh..opq hides every lower entry of the directory that holds it
//
// Gzip, zstd and uncompressed archives are detected from their leading bytes,
// independent of the file name. Every entry is resolved inside the target
// directory; entries that would escape it through ".." or symlinks are
// confined to the root.
//
// Ownership and device nodes are only restored when running as root.
package layers
