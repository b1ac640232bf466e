package scheduling

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/meta/pkg/types"
)

func TestViewReadEmpty(t *testing.T) {
	v := NewView()
	snap := v.Read()
	defer snap.Release()

	assert.Equal(t, 0, snap.Len())
	_, ok := snap.Get("10.0.0.1:8080")
	assert.False(t, ok)
}

func TestViewModifyVisibleToNewReaders(t *testing.T) {
	v := NewView()

	v.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		next["10.0.0.1:8080"] = types.NewInstanceSchedulingInfo("ssd", "room-a")
	})

	snap := v.Read()
	defer snap.Release()

	info, ok := snap.Get("10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, "ssd", info.ResourceTag)
}

func TestViewOldSnapshotUnaffectedByLaterModify(t *testing.T) {
	v := NewView()
	v.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		next["10.0.0.1:8080"] = types.NewInstanceSchedulingInfo("ssd", "room-a")
	})

	old := v.Read()
	defer old.Release()

	v.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		delete(next, "10.0.0.1:8080")
	})

	_, stillPresent := old.Get("10.0.0.1:8080")
	assert.True(t, stillPresent, "snapshot pinned before Modify must not observe the deletion")

	fresh := v.Read()
	defer fresh.Release()
	_, presentNow := fresh.Get("10.0.0.1:8080")
	assert.False(t, presentNow)
}

func TestViewConcurrentReadersDoNotRace(t *testing.T) {
	v := NewView()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
					next["addr"] = types.NewInstanceSchedulingInfo("tag", "room")
				})
			}
		}(i)
	}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				snap := v.Read()
				snap.Len()
				snap.Release()
			}
		}()
	}

	wg.Wait()
}
