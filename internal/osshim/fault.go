package osshim

import "sync/atomic"

// Faulty wraps a VFS and injects ErrIOErr-class failures on demand, so
// tests can simulate the crash scenario of spec.md §8 scenario 3 ("after
// any sync of the WAL, crash the database file's unsynced sectors")
// without conditional compilation (spec.md §9). Grounded on the teacher's
// failure-injection contract for the memory allocator (spec.md §6) applied
// here to file I/O instead.
type Faulty struct {
	VFS
	// FailAfter, when > 0, makes every call to a faulty method below fail
	// from the FailAfter-th call on (counted since the Faulty was created);
	// 0 disables injection.
	FailAfter int32
	calls     int32
}

// Trip arms the fault to fire on the next faulty call.
func (f *Faulty) Trip()    { atomic.StoreInt32(&f.FailAfter, 1) }
func (f *Faulty) Disarm()  { atomic.StoreInt32(&f.FailAfter, 0) }
func (f *Faulty) tick() bool {
	n := atomic.AddInt32(&f.calls, 1)
	fa := atomic.LoadInt32(&f.FailAfter)
	return fa > 0 && n >= fa
}

func (f *Faulty) Open(path string, create bool) (File, error) {
	file, err := f.VFS.Open(path, create)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, parent: f}, nil
}

type faultyFile struct {
	File
	parent *Faulty
}

func (ff *faultyFile) WriteAt(buf []byte, off int64) (int, error) {
	if ff.parent.tick() {
		return 0, wrapIOErr(errIOErrInjected, errInjected)
	}
	return ff.File.WriteAt(buf, off)
}

func (ff *faultyFile) Sync(mode SyncMode) error {
	if ff.parent.tick() {
		return wrapIOErr(errIOErrInjected, errInjected)
	}
	return ff.File.Sync(mode)
}

var errInjected = simpleErr("osshim: injected fault")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

var errIOErrInjected = simpleErr("fitreedb: injected I/O fault")
