package scanner

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scand/internal/logging"
	"scand/internal/task"
)

const testScannersYAML = `scanners:
  - pool: nessus
    instance_key: nessus-01
    scanner_type: nessus
    url: https://nessus-01.internal:8834
    credentials: vault:nessus-01
    enabled: true
    max_concurrent_scans: 2
  - pool: nessus
    instance_key: nessus-02
    scanner_type: nessus
    url: https://nessus-02.internal:8834
    credentials: vault:nessus-02
    enabled: true
    max_concurrent_scans: 1
  - pool: dmz
    instance_key: dmz-01
    scanner_type: nessus
    url: https://dmz-01.internal:8834
    credentials: vault:dmz-01
    enabled: true
    max_concurrent_scans: 1
  - pool: dmz
    instance_key: dmz-02
    scanner_type: nessus
    url: https://dmz-02.internal:8834
    credentials: vault:dmz-02
    enabled: false
    max_concurrent_scans: 4
`

func writeScannersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scanners.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestRegistry(t *testing.T) (*Registry, map[string]*Fake, string) {
	t.Helper()
	path := writeScannersFile(t, testScannersYAML)
	factory, fakes := FakeFactory()
	reg, err := NewRegistry(path, factory, logging.Nop())
	require.NoError(t, err)
	return reg, fakes, path
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		backend string
		want    task.Status
		known   bool
	}{
		{"pending", task.StatusQueued, true},
		{"paused", task.StatusQueued, true},
		{"running", task.StatusRunning, true},
		{"completed", task.StatusCompleted, true},
		{"stopped", task.StatusCancelled, true},
		{"canceled", task.StatusCancelled, true},
		{"aborted", task.StatusFailed, true},
		{"error", task.StatusFailed, true},
		{"RUNNING", task.StatusRunning, true},
		{" processing ", task.StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			got, known := NormalizeStatus(tt.backend)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.known, known)
		})
	}
}

func TestRegistryRejectsUnknownKeys(t *testing.T) {
	path := writeScannersFile(t, `scanners:
  - pool: nessus
    instance_key: n1
    max_concurrent_scans: 1
    enabled: true
    surprise: true
`)
	factory, _ := FakeFactory()
	_, err := NewRegistry(path, factory, logging.Nop())
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicateKeys(t *testing.T) {
	path := writeScannersFile(t, `scanners:
  - {pool: nessus, instance_key: n1, enabled: true, max_concurrent_scans: 1}
  - {pool: dmz, instance_key: n1, enabled: true, max_concurrent_scans: 1}
`)
	factory, _ := FakeFactory()
	_, err := NewRegistry(path, factory, logging.Nop())
	assert.Error(t, err)
}

func TestPools(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	assert.Equal(t, []string{"dmz", "nessus"}, reg.Pools())
}

func TestReserveSelectionPolicy(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	// both empty: lexically-lowest key wins the tie
	key, ok := reg.Reserve("nessus")
	require.True(t, ok)
	assert.Equal(t, "nessus-01", key)

	// nessus-01 now has load 1, nessus-02 has 0: lowest load wins
	key, ok = reg.Reserve("nessus")
	require.True(t, ok)
	assert.Equal(t, "nessus-02", key)

	// nessus-02 is full, nessus-01 has spare capacity
	key, ok = reg.Reserve("nessus")
	require.True(t, ok)
	assert.Equal(t, "nessus-01", key)

	// pool exhausted
	_, ok = reg.Reserve("nessus")
	assert.False(t, ok)
}

func TestReserveSkipsDisabled(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	key, ok := reg.Reserve("dmz")
	require.True(t, ok)
	assert.Equal(t, "dmz-01", key, "disabled dmz-02 must never be picked")

	_, ok = reg.Reserve("dmz")
	assert.False(t, ok)
}

func TestPoolIsolation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	// exhaust dmz; nessus capacity must be untouched
	_, ok := reg.Reserve("dmz")
	require.True(t, ok)
	_, ok = reg.Reserve("dmz")
	require.False(t, ok)

	status, err := reg.Status("nessus")
	require.NoError(t, err)
	assert.Zero(t, status.TotalActive)
}

func TestReleaseRestoresCapacity(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	key, ok := reg.Reserve("dmz")
	require.True(t, ok)
	_, ok = reg.Reserve("dmz")
	require.False(t, ok)

	reg.Release(key)
	key2, ok := reg.Reserve("dmz")
	require.True(t, ok)
	assert.Equal(t, key, key2)
}

func TestCounterBoundsUnderConcurrency(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if key, ok := reg.Reserve("nessus"); ok {
				reg.Release(key)
			}
		}()
	}
	wg.Wait()

	status, err := reg.Status("nessus")
	require.NoError(t, err)
	assert.Zero(t, status.TotalActive)
	for _, inst := range status.Scanners {
		assert.GreaterOrEqual(t, inst.ActiveScans, 0)
		assert.LessOrEqual(t, inst.ActiveScans, inst.MaxConcurrent)
	}
}

func TestStatusInvariant(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, ok := reg.Reserve("nessus")
	require.True(t, ok)

	status, err := reg.Status("nessus")
	require.NoError(t, err)
	assert.Equal(t, 2, status.TotalScanners)
	assert.Equal(t, 3, status.TotalCapacity)
	assert.Equal(t, 1, status.TotalActive)
	assert.Equal(t, status.TotalCapacity-status.TotalActive, status.AvailableCapacity)
	assert.InDelta(t, 33.3, status.UtilizationPct, 0.1)

	_, err = reg.Status("unknown")
	assert.Error(t, err)
}

func TestReloadRetiresRemovedInstancesLazily(t *testing.T) {
	reg, fakes, path := newTestRegistry(t)

	key, ok := reg.Reserve("dmz")
	require.True(t, ok)
	require.Equal(t, "dmz-01", key)

	// drop the dmz pool from the file
	require.NoError(t, os.WriteFile(path, []byte(`scanners:
  - pool: nessus
    instance_key: nessus-01
    scanner_type: nessus
    url: https://nessus-01.internal:8834
    credentials: vault:nessus-01
    enabled: true
    max_concurrent_scans: 2
`), 0o644))
	require.NoError(t, reg.Reload())

	assert.Equal(t, []string{"nessus"}, reg.Pools())

	// the retired instance stays reachable until its reservation drains
	_, err := reg.Adapter("dmz-01")
	require.NoError(t, err)
	assert.False(t, fakes["dmz-01"].Closed)

	reg.Release("dmz-01")
	assert.True(t, fakes["dmz-01"].Closed)
	_, err = reg.Adapter("dmz-01")
	assert.Error(t, err)

	// instances with no reservations are closed immediately
	assert.True(t, fakes["nessus-02"].Closed)
}

func TestCloseClosesAllAdapters(t *testing.T) {
	reg, fakes, _ := newTestRegistry(t)
	reg.Close()
	for key, fake := range fakes {
		assert.True(t, fake.Closed, "adapter %s must be closed", key)
	}
}
