package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	reg "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

func task(id, status string, successors ...string) reg.TaskExecution {
	return reg.TaskExecution{
		TaskExecutionID: id,
		PipelineID:      "p1",
		TaskID:          "pkg-" + id,
		TaskVersion:     1,
		Status:          status,
		Successors:      successors,
	}
}

func TestComputePredecessors_MustRoundTripTheSuccessorAdjacency(t *testing.T) {
	// given
	tasks := []reg.TaskExecution{
		task("A", reg.TaskStatus_NotStarted, "B", "C"),
		task("B", reg.TaskStatus_NotStarted, "D"),
		task("C", reg.TaskStatus_NotStarted, "D"),
		task("D", reg.TaskStatus_NotStarted),
	}
	// when
	predecessors := computePredecessors(tasks)
	// then inverting the predecessor map reproduces the successor lists
	successors := make(map[string][]string)
	for successorID, predecessorIDs := range predecessors {
		for _, predecessorID := range predecessorIDs {
			successors[predecessorID] = append(successors[predecessorID], successorID)
		}
	}
	assert.ElementsMatch(t, []string{"B", "C"}, successors["A"])
	assert.ElementsMatch(t, []string{"D"}, successors["B"])
	assert.ElementsMatch(t, []string{"D"}, successors["C"])
	assert.Empty(t, successors["D"])
}

func TestRootTasks_MustReturnTasksThatAreNobodysSuccessor(t *testing.T) {
	// given
	tasks := []reg.TaskExecution{
		task("T1", reg.TaskStatus_NotStarted, "T3"),
		task("T2", reg.TaskStatus_NotStarted, "T3"),
		task("T3", reg.TaskStatus_NotStarted),
	}
	// when
	roots := rootTasks(tasks)
	// then
	rootIDs := make([]string, len(roots))
	for i, root := range roots {
		rootIDs[i] = root.TaskExecutionID
	}
	assert.ElementsMatch(t, []string{"T1", "T2"}, rootIDs)
}

func TestCheckSuccessorsReady_LinearChain_MustUnblockOnlyTheNextTask(t *testing.T) {
	// given A -> B -> C with A just completed
	tasks := []reg.TaskExecution{
		task("A", reg.TaskStatus_Complete, "B"),
		task("B", reg.TaskStatus_NotStarted, "C"),
		task("C", reg.TaskStatus_NotStarted),
	}
	// when
	readiness := checkSuccessorsReady(tasks, "A")
	// then
	assert.Len(t, readiness.Ready, 1)
	assert.Equal(t, "B", readiness.Ready[0].TaskExecutionID)
	assert.Empty(t, readiness.Blocked)
	assert.Empty(t, readiness.AlreadyProcessed)
}

func TestCheckSuccessorsReady_FanIn_MustWaitForAllPredecessors(t *testing.T) {
	// given D joins B and C; only B is complete
	tasks := []reg.TaskExecution{
		task("A", reg.TaskStatus_Complete, "B", "C"),
		task("B", reg.TaskStatus_Complete, "D"),
		task("C", reg.TaskStatus_InProgress, "D"),
		task("D", reg.TaskStatus_NotStarted),
	}
	// when
	readiness := checkSuccessorsReady(tasks, "B")
	// then the join is reported as blocked, not ready
	assert.Empty(t, readiness.Ready)
	assert.Equal(t, []string{"D"}, readiness.Blocked)
}

func TestCheckSuccessorsReady_FanIn_MustUnblockWhenTheLastPredecessorFinishes(t *testing.T) {
	// given both predecessors of D are done, in either completion order
	for _, completedLast := range []string{"B", "C"} {
		tasks := []reg.TaskExecution{
			task("B", reg.TaskStatus_Complete, "D"),
			task("C", reg.TaskStatus_Complete, "D"),
			task("D", reg.TaskStatus_NotStarted),
		}
		// when
		readiness := checkSuccessorsReady(tasks, completedLast)
		// then
		assert.Len(t, readiness.Ready, 1, "completed last: %s", completedLast)
		assert.Equal(t, "D", readiness.Ready[0].TaskExecutionID)
	}
}

func TestCheckSuccessorsReady_MustSkipSuccessorsAlreadyPastNotStarted(t *testing.T) {
	// given a duplicate delivery of B's completion after D already started
	tasks := []reg.TaskExecution{
		task("B", reg.TaskStatus_Complete, "D"),
		task("C", reg.TaskStatus_Complete, "D"),
		task("D", reg.TaskStatus_InProgress),
	}
	// when
	readiness := checkSuccessorsReady(tasks, "B")
	// then
	assert.Empty(t, readiness.Ready)
	assert.Equal(t, []string{"D"}, readiness.AlreadyProcessed)
}

func TestCheckSuccessorsReady_SkippedPredecessor_MustCountAsOkToProceed(t *testing.T) {
	// given a failed-then-skipped predecessor
	tasks := []reg.TaskExecution{
		task("A", reg.TaskStatus_Skipped, "B"),
		task("B", reg.TaskStatus_NotStarted),
	}
	// when
	readiness := checkSuccessorsReady(tasks, "A")
	// then
	assert.Len(t, readiness.Ready, 1)
	assert.Equal(t, "B", readiness.Ready[0].TaskExecutionID)
}

func TestPipelineComplete_MustDependOnlyOnBranchTermini(t *testing.T) {
	// given C is the only terminus and is done; A and B are intermediate
	tasks := []reg.TaskExecution{
		task("A", reg.TaskStatus_Complete, "B"),
		task("B", reg.TaskStatus_Complete, "C"),
		task("C", reg.TaskStatus_Complete),
	}
	// when
	complete, completeLeaves, incompleteLeaves := pipelineComplete(tasks)
	// then
	assert.True(t, complete)
	assert.Equal(t, []string{"C"}, completeLeaves)
	assert.Empty(t, incompleteLeaves)
}

func TestPipelineComplete_MustReportUnfinishedTermini(t *testing.T) {
	// given two branches, one terminus still running
	tasks := []reg.TaskExecution{
		task("A", reg.TaskStatus_Complete, "B", "C"),
		task("B", reg.TaskStatus_Skipped),
		task("C", reg.TaskStatus_InProgress),
	}
	// when
	complete, completeLeaves, incompleteLeaves := pipelineComplete(tasks)
	// then
	assert.False(t, complete)
	assert.Equal(t, []string{"B"}, completeLeaves)
	assert.Equal(t, []string{"C"}, incompleteLeaves)
}
