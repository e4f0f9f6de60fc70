package scanner

import (
	"context"
	"fmt"
	"sync"

	"scand/internal/task"
)

// Fake is an in-memory Scanner used by tests and by `serve --fake`.
// Each created scan walks the configured status sequence, one step per
// GetStatus call, and the final entry repeats.
type Fake struct {
	mu sync.Mutex

	// Script knobs, set before use.
	StatusSequence []Status // default: running once, then completed
	ExportPayload  []byte
	CreateErr      error
	LaunchErr      error
	StatusErr      error
	ExportErr      error

	nextID int
	scans  map[string]*fakeScan

	// Call counters for assertions.
	CreateCalls int
	LaunchCalls int
	StopCalls   int
	DeleteCalls int
	Closed      bool
}

type fakeScan struct {
	req      CreateRequest
	launched bool
	stopped  bool
	step     int
}

// NewFake returns a fake scanner whose scans complete after one poll.
func NewFake() *Fake {
	return &Fake{
		StatusSequence: []Status{
			{State: task.StatusRunning, Progress: 50},
			{State: task.StatusCompleted, Progress: 100},
		},
		ExportPayload: []byte(minimalExport),
		scans:         make(map[string]*fakeScan),
	}
}

func (f *Fake) CreateScan(_ context.Context, req CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("remote-%d", f.nextID)
	f.scans[id] = &fakeScan{req: req}
	return id, nil
}

func (f *Fake) LaunchScan(_ context.Context, remoteID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LaunchCalls++
	if f.LaunchErr != nil {
		return "", f.LaunchErr
	}
	scan, ok := f.scans[remoteID]
	if !ok {
		return "", fmt.Errorf("fake: unknown scan %s", remoteID)
	}
	scan.launched = true
	return remoteID + "-uuid", nil
}

func (f *Fake) GetStatus(_ context.Context, remoteID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return Status{}, f.StatusErr
	}
	scan, ok := f.scans[remoteID]
	if !ok {
		return Status{}, fmt.Errorf("fake: unknown scan %s", remoteID)
	}
	if scan.stopped {
		return Status{State: task.StatusCancelled, Progress: 0}, nil
	}
	seq := f.StatusSequence
	if len(seq) == 0 {
		seq = []Status{{State: task.StatusCompleted, Progress: 100}}
	}
	idx := scan.step
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	scan.step++
	return seq[idx], nil
}

func (f *Fake) ExportResults(_ context.Context, remoteID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExportErr != nil {
		return nil, f.ExportErr
	}
	if _, ok := f.scans[remoteID]; !ok {
		return nil, fmt.Errorf("fake: unknown scan %s", remoteID)
	}
	return f.ExportPayload, nil
}

func (f *Fake) StopScan(_ context.Context, remoteID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCalls++
	scan, ok := f.scans[remoteID]
	if !ok {
		return false, nil
	}
	scan.stopped = true
	return true, nil
}

func (f *Fake) DeleteScan(_ context.Context, remoteID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	if _, ok := f.scans[remoteID]; !ok {
		return false, nil
	}
	delete(f.scans, remoteID)
	return true, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// FakeFactory builds one shared Fake per descriptor. The returned map
// lets tests reach the fake behind each instance key.
func FakeFactory() (Factory, map[string]*Fake) {
	fakes := make(map[string]*Fake)
	var mu sync.Mutex
	factory := func(d Descriptor) (Scanner, error) {
		mu.Lock()
		defer mu.Unlock()
		f := NewFake()
		fakes[d.InstanceKey] = f
		return f, nil
	}
	return factory, fakes
}

// minimalExport is a tiny Nessus-shaped document so fake-backed scans
// produce a parseable artifact.
const minimalExport = `<?xml version="1.0"?>
<NessusClientData_v2>
 <Report name="fake scan">
  <ReportHost name="192.0.2.10">
   <ReportItem port="443" svc_name="https" protocol="tcp" severity="3" pluginID="51192" pluginName="SSL Certificate Cannot Be Trusted" pluginFamily="General">
    <risk_factor>Medium</risk_factor>
    <synopsis>The SSL certificate for this service cannot be trusted.</synopsis>
    <description>The server's X.509 certificate does not have a signature from a known public certificate authority.</description>
    <solution>Purchase or generate a proper certificate for this service.</solution>
    <cvss_base_score>6.4</cvss_base_score>
   </ReportItem>
  </ReportHost>
 </Report>
</NessusClientData_v2>
`
