//go:build linux

// Package linux implements procmem.Adapter against a live Linux target
// process: ptrace for attach/pause/resume/register access, /proc/<pid>/maps
// for region enumeration, and /proc/<pid>/mem for bulk reads and writes
// (faster and simpler than PEEKDATA/POKEDATA word-at-a-time ptrace calls).
package linux

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cornflower-labs/memtap/internal/xerrors"
	"github.com/cornflower-labs/memtap/procmem"
	"github.com/cornflower-labs/memtap/region"
)

// Adapter implements procmem.Adapter over ptrace and /proc for a single
// target process. Not safe for concurrent Attach/Terminate calls, but Read
// and the freezer's concurrent sweep-vs-shell access pattern are fine: the
// underlying /proc/<pid>/mem file descriptor supports concurrent pread/
// pwrite.
type Adapter struct {
	mu       sync.Mutex
	pid      int
	memFile  *os.File
	attached bool
}

// New returns an unattached Adapter.
func New() *Adapter {
	return &Adapter{}
}

// FindByName scans /proc/*/comm for a process whose command name matches
// name exactly, returning its pid. Returns *xerrors.OutOfRange if none
// match, or more than one does (ambiguous target).
func FindByName(name string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, xerrors.NewAdapterIO("read /proc", err)
	}
	var matches []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			matches = append(matches, pid)
		}
	}
	switch len(matches) {
	case 0:
		return 0, xerrors.NewOutOfRange("no process named %q", name)
	case 1:
		return matches[0], nil
	default:
		return 0, xerrors.NewOutOfRange("process name %q is ambiguous: %d matches", name, len(matches))
	}
}

// Attach stops the target via PTRACE_ATTACH and opens its memory file.
func (a *Adapter) Attach(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := unix.PtraceAttach(pid); err != nil {
		return xerrors.NewAdapterIO(fmt.Sprintf("ptrace attach to pid %d", pid), err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return xerrors.NewAdapterIO("wait for attach stop", err)
	}

	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return xerrors.NewAdapterIO(fmt.Sprintf("open /proc/%d/mem", pid), err)
	}
	a.pid = pid
	a.memFile = f
	a.attached = true
	return nil
}

func (a *Adapter) requireAttached() error {
	if !a.attached {
		return xerrors.NewAdapterIO("adapter not attached", nil)
	}
	return nil
}

// GetRegion looks up the mapping containing addr.
func (a *Adapter) GetRegion(addr uint64, readData bool) (region.Region, error) {
	regions, err := a.GetAllRegions(readData)
	if err != nil {
		return region.Region{}, err
	}
	for _, r := range regions {
		if r.Contains(addr) {
			return r, nil
		}
	}
	return region.Region{}, xerrors.NewOutOfRange("no mapped region contains 0x%x", addr)
}

// GetAllRegions parses /proc/<pid>/maps into an ordered, non-overlapping
// Region list.
func (a *Adapter) GetAllRegions(readData bool) ([]region.Region, error) {
	if err := a.requireAttached(); err != nil {
		return nil, err
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", a.pid))
	if err != nil {
		return nil, xerrors.NewAdapterIO("open /proc/<pid>/maps", err)
	}
	defer f.Close()

	var regions []region.Region
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r, ok, perr := parseMapsLine(scanner.Text())
		if perr != nil {
			return nil, xerrors.NewAdapterIO("parse /proc/<pid>/maps", perr)
		}
		if !ok {
			continue
		}
		if readData && r.Readable {
			data, rerr := a.Read(r.Addr, r.Size)
			if rerr == nil {
				r.Data = data
			}
		}
		regions = append(regions, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.NewAdapterIO("scan /proc/<pid>/maps", err)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Addr < regions[j].Addr })
	return regions, nil
}

// parseMapsLine decodes one /proc/<pid>/maps row, e.g.:
// 7f1234500000-7f1234521000 rw-p 00000000 00:00 0 [heap]
func parseMapsLine(line string) (region.Region, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return region.Region{}, false, nil
	}
	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return region.Region{}, false, fmt.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return region.Region{}, false, err
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return region.Region{}, false, err
	}
	perms := fields[1]
	r := region.Region{
		Addr:          start,
		Size:          end - start,
		Readable:      strings.Contains(perms, "r"),
		Writable:      strings.Contains(perms, "w"),
		Executable:    strings.Contains(perms, "x"),
		MaxReadable:   strings.Contains(perms, "r"),
		MaxWritable:   strings.Contains(perms, "w"),
		MaxExecutable: strings.Contains(perms, "x"),
	}
	return r, true, nil
}

// GetTargetRegions returns only the regions containing at least one of
// addresses, in ascending order.
func (a *Adapter) GetTargetRegions(addresses []uint64, readData bool) ([]region.Region, error) {
	all, err := a.GetAllRegions(false)
	if err != nil {
		return nil, err
	}
	wanted := make(map[int]bool)
	for _, addr := range addresses {
		i := sort.Search(len(all), func(i int) bool { return all[i].End() > addr })
		if i < len(all) && all[i].Contains(addr) {
			wanted[i] = true
		}
	}
	var out []region.Region
	for i, r := range all {
		if !wanted[i] {
			continue
		}
		if readData && r.Readable {
			data, rerr := a.Read(r.Addr, r.Size)
			if rerr == nil {
				r.Data = data
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// SetProtection would update [addr, addr+size) protection bits under mask
// via mprotect. Changing another process's page protection from the
// outside requires injecting a syscall through ptrace (writing a trap
// instruction, setting up registers, single-stepping it, and restoring
// the original code and registers); that machinery is not implemented
// here yet, so this always fails with AdapterIO rather than silently
// doing nothing.
// TODO: implement remote mprotect via ptrace syscall injection (trap the
// target at a safe point, stage rdi/rsi/rdx/rax for mprotect, single-step,
// restore registers).
func (a *Adapter) SetProtection(addr, size uint64, prot, mask procmem.Protection) error {
	if err := a.requireAttached(); err != nil {
		return err
	}
	if _, err := a.GetRegion(addr, false); err != nil {
		return err
	}
	return xerrors.NewAdapterIO(fmt.Sprintf("set protection on 0x%x+0x%x", addr, size),
		fmt.Errorf("remote mprotect via ptrace syscall injection is not implemented"))
}

// Read populates size bytes starting at addr via /proc/<pid>/mem.
func (a *Adapter) Read(addr, size uint64) ([]byte, error) {
	if err := a.requireAttached(); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := a.memFile.ReadAt(buf, int64(addr))
	if err != nil {
		return nil, xerrors.NewAdapterIO(fmt.Sprintf("read 0x%x bytes at 0x%x", size, addr), err)
	}
	return buf[:n], nil
}

// Write stores data at addr via /proc/<pid>/mem.
func (a *Adapter) Write(addr uint64, data []byte) error {
	if err := a.requireAttached(); err != nil {
		return err
	}
	if _, err := a.memFile.WriteAt(data, int64(addr)); err != nil {
		return xerrors.NewAdapterIO(fmt.Sprintf("write %d bytes at 0x%x", len(data), addr), err)
	}
	return nil
}

// Pause stops every thread in the target via SIGSTOP.
func (a *Adapter) Pause() error {
	if err := a.requireAttached(); err != nil {
		return err
	}
	if err := unix.Kill(a.pid, unix.SIGSTOP); err != nil {
		return xerrors.NewAdapterIO("pause target", err)
	}
	return nil
}

// Resume continues the target via SIGCONT.
func (a *Adapter) Resume() error {
	if err := a.requireAttached(); err != nil {
		return err
	}
	if err := unix.Kill(a.pid, unix.SIGCONT); err != nil {
		return xerrors.NewAdapterIO("resume target", err)
	}
	return nil
}

// Terminate sends SIGKILL to the target and detaches.
func (a *Adapter) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireAttached(); err != nil {
		return err
	}
	if err := unix.Kill(a.pid, unix.SIGKILL); err != nil {
		return xerrors.NewAdapterIO("terminate target", err)
	}
	_ = unix.PtraceDetach(a.pid)
	a.memFile.Close()
	a.attached = false
	return nil
}

// ListThreads enumerates /proc/<pid>/task.
func (a *Adapter) ListThreads() ([]uint64, error) {
	if err := a.requireAttached(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", a.pid))
	if err != nil {
		return nil, xerrors.NewAdapterIO("list threads", err)
	}
	var ids []uint64
	for _, e := range entries {
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ReadRegisters reads threadID's general-purpose register file via
// PTRACE_GETREGS, encoded as the raw unix.PtraceRegs bytes.
func (a *Adapter) ReadRegisters(threadID uint64) (procmem.ThreadRegisters, error) {
	if err := a.requireAttached(); err != nil {
		return procmem.ThreadRegisters{}, err
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(threadID), &regs); err != nil {
		return procmem.ThreadRegisters{}, xerrors.NewAdapterIO(fmt.Sprintf("get registers for thread %d", threadID), err)
	}
	return procmem.ThreadRegisters{ThreadID: threadID, Data: encodeRegs(&regs)}, nil
}

// WriteRegisters writes threadID's register file back via PTRACE_SETREGS.
func (a *Adapter) WriteRegisters(threadID uint64, regs procmem.ThreadRegisters) error {
	if err := a.requireAttached(); err != nil {
		return err
	}
	raw, err := decodeRegs(regs.Data)
	if err != nil {
		return xerrors.NewAdapterIO("decode register payload", err)
	}
	if err := unix.PtraceSetRegs(int(threadID), raw); err != nil {
		return xerrors.NewAdapterIO(fmt.Sprintf("set registers for thread %d", threadID), err)
	}
	return nil
}
