package backend

import (
	"strconv"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// managed builds a container summary the way createReplica labels them.
func managed(id, service string, replica int, image, state string) container.Summary {
	return container.Summary{
		ID:    id,
		Image: image,
		State: state,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelService: service,
			LabelReplica: strconv.Itoa(replica),
		},
	}
}

func withDependsOn(c container.Summary, deps string) container.Summary {
	c.Labels[LabelDependsOn] = deps
	return c
}

// =============================================================================
// Observation Tests
// =============================================================================

func TestObserveServices_GroupsByService(t *testing.T) {
	state := observeServices([]container.Summary{
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c2", "web", 2, "nginx:latest", "running"),
		managed("c3", "db", 1, "postgres:15", "running"),
	})

	require.Len(t, state, 2)
	assert.Equal(t, 2, state["web"].Replicas)
	assert.Equal(t, 1, state["db"].Replicas)
	assert.Equal(t, "postgres:15", state["db"].Image)
}

func TestObserveServices_ImageFromLowestReplica(t *testing.T) {
	// The daemon lists in no particular order; a half-finished update can
	// leave replicas on different images. Replica 1 is authoritative.
	state := observeServices([]container.Summary{
		withDependsOn(managed("c3", "web", 3, "nginx:1.26", "running"), "db"),
		managed("c2", "web", 2, "nginx:1.26", "running"),
		withDependsOn(managed("c1", "web", 1, "nginx:1.25", "running"), "db,cache"),
	})

	require.Contains(t, state, "web")
	assert.Equal(t, "nginx:1.25", state["web"].Image)
	assert.Equal(t, []string{"db", "cache"}, state["web"].DependsOn)
}

func TestObserveServices_StoppedReplicaNotCounted(t *testing.T) {
	state := observeServices([]container.Summary{
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c2", "web", 2, "nginx:latest", "exited"),
	})

	assert.Equal(t, 1, state["web"].Replicas)
	assert.False(t, state["web"].Healthy)
}

func TestObserveServices_IgnoresUnlabelled(t *testing.T) {
	state := observeServices([]container.Summary{
		{ID: "c1", Image: "nginx:latest", State: "running", Labels: map[string]string{}},
	})
	assert.Empty(t, state)
}

// =============================================================================
// Scale Decision Tests
// =============================================================================

func TestScaleChanges_StoppedReplicaReplaced(t *testing.T) {
	// One of two replicas has exited. The running count is one short of the
	// target, so the stopped container goes and a fresh replica takes its
	// index. Without this, scaling to the current container count would be
	// a no-op that never restores the service.
	remove, create := scaleChanges([]container.Summary{
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c2", "web", 2, "nginx:latest", "exited"),
	}, 2)

	assert.Equal(t, []string{"c2"}, remove)
	assert.Equal(t, []int{2}, create)
}

func TestScaleChanges_UpFillsLowestFreeIndices(t *testing.T) {
	remove, create := scaleChanges([]container.Summary{
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c3", "web", 3, "nginx:latest", "running"),
	}, 4)

	assert.Empty(t, remove)
	assert.Equal(t, []int{2, 4}, create)
}

func TestScaleChanges_DownRemovesHighestIndices(t *testing.T) {
	remove, create := scaleChanges([]container.Summary{
		managed("c3", "web", 3, "nginx:latest", "running"),
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c2", "web", 2, "nginx:latest", "running"),
	}, 1)

	assert.Empty(t, create)
	assert.Equal(t, []string{"c2", "c3"}, remove)
}

func TestScaleChanges_AtTarget(t *testing.T) {
	remove, create := scaleChanges([]container.Summary{
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c2", "web", 2, "nginx:latest", "running"),
	}, 2)

	assert.Empty(t, remove)
	assert.Empty(t, create)
}

// =============================================================================
// Create Adoption Tests
// =============================================================================

func TestSplitAdoptable_SameImageAdopted(t *testing.T) {
	// Replicas left over from an earlier attempt with the same image are
	// kept, so retrying a create never collides with its own names.
	adopt, replace := splitAdoptable([]container.Summary{
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c2", "web", 2, "nginx:latest", "created"),
	}, "nginx:latest", 2)

	assert.Empty(t, replace)
	require.Len(t, adopt, 2)
	assert.Equal(t, "c1", adopt[1].ID)
	assert.Equal(t, "c2", adopt[2].ID)
}

func TestSplitAdoptable_DifferentImageReplaced(t *testing.T) {
	adopt, replace := splitAdoptable([]container.Summary{
		managed("c1", "web", 1, "nginx:1.25", "running"),
	}, "nginx:1.26", 1)

	assert.Empty(t, adopt)
	assert.Equal(t, []string{"c1"}, replace)
}

func TestSplitAdoptable_IndexOutOfRangeReplaced(t *testing.T) {
	adopt, replace := splitAdoptable([]container.Summary{
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c3", "web", 3, "nginx:latest", "running"),
	}, "nginx:latest", 2)

	require.Len(t, adopt, 1)
	assert.Equal(t, "c1", adopt[1].ID)
	assert.Equal(t, []string{"c3"}, replace)
}

func TestSplitAdoptable_DuplicateIndexKeepsFirst(t *testing.T) {
	adopt, replace := splitAdoptable([]container.Summary{
		managed("c1", "web", 1, "nginx:latest", "running"),
		managed("c2", "web", 1, "nginx:latest", "running"),
	}, "nginx:latest", 2)

	require.Len(t, adopt, 1)
	assert.Equal(t, "c1", adopt[1].ID)
	assert.Equal(t, []string{"c2"}, replace)
}

func TestSplitAdoptable_MissingReplicaLabelReplaced(t *testing.T) {
	c := managed("c1", "web", 1, "nginx:latest", "running")
	delete(c.Labels, LabelReplica)

	adopt, replace := splitAdoptable([]container.Summary{c}, "nginx:latest", 2)

	assert.Empty(t, adopt)
	assert.Equal(t, []string{"c1"}, replace)
}
