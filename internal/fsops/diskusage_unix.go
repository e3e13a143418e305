//go:build linux || darwin || freebsd

package fsops

import "golang.org/x/sys/unix"

// diskUsage returns total and free bytes of the filesystem holding path.
// Free is what an unprivileged writer can use.
func diskUsage(path string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bs := uint64(st.Bsize)
	return uint64(st.Blocks) * bs, uint64(st.Bavail) * bs, nil
}
