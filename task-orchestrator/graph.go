package main

import (
	reg "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

// okToProceed holds the statuses that satisfy a predecessor dependency. A
// Failed predecessor does not unblock anything until an operator explicitly
// skips it.
var okToProceed = map[string]bool{
	reg.TaskStatus_Complete: true,
	reg.TaskStatus_Skipped:  true,
}

// retryable holds the statuses a task may leave via the explicit Retry
// transition.
var retryable = map[string]bool{
	reg.TaskStatus_Failed:          true,
	reg.TaskStatus_Complete:        true,
	reg.TaskStatus_PendingApproval: true,
}

// computePredecessors inverts every task's successor list into a predecessor
// map. The graph is recomputed on every call: the authoritative task list
// lives in the store and can change between events.
func computePredecessors(tasks []reg.TaskExecution) map[string][]string {
	predecessors := make(map[string][]string)
	for _, task := range tasks {
		for _, successorID := range task.Successors {
			predecessors[successorID] = append(predecessors[successorID], task.TaskExecutionID)
		}
	}
	return predecessors
}

// rootTasks returns every task that appears in nobody's successor list.
func rootTasks(tasks []reg.TaskExecution) []reg.TaskExecution {
	predecessors := computePredecessors(tasks)
	var roots []reg.TaskExecution
	for _, task := range tasks {
		if len(predecessors[task.TaskExecutionID]) == 0 {
			roots = append(roots, task)
		}
	}
	return roots
}

type successorReadiness struct {
	// Ready successors have every predecessor in an ok-to-proceed status and
	// are still NotStarted.
	Ready []reg.TaskExecution
	// Blocked successor ids are still waiting on at least one predecessor.
	Blocked []string
	// AlreadyProcessed successor ids are past NotStarted, e.g. because a
	// duplicate or out-of-order event already triggered them.
	AlreadyProcessed []string
}

// checkSuccessorsReady examines the declared successors of completedTaskID
// and sorts them into ready, blocked and already-processed sets.
func checkSuccessorsReady(tasks []reg.TaskExecution, completedTaskID string) successorReadiness {
	byID := make(map[string]reg.TaskExecution, len(tasks))
	for _, task := range tasks {
		byID[task.TaskExecutionID] = task
	}

	completed, found := byID[completedTaskID]
	if !found {
		return successorReadiness{}
	}

	predecessors := computePredecessors(tasks)

	var readiness successorReadiness
	for _, successorID := range completed.Successors {
		successor, found := byID[successorID]
		if !found {
			// Dangling successor reference; treat as blocked so it shows up
			// in the diagnostic logs instead of vanishing.
			readiness.Blocked = append(readiness.Blocked, successorID)
			continue
		}

		if successor.Status != reg.TaskStatus_NotStarted {
			readiness.AlreadyProcessed = append(readiness.AlreadyProcessed, successorID)
			continue
		}

		blocked := false
		for _, predecessorID := range predecessors[successorID] {
			if !okToProceed[byID[predecessorID].Status] {
				blocked = true
				break
			}
		}
		if blocked {
			readiness.Blocked = append(readiness.Blocked, successorID)
		} else {
			readiness.Ready = append(readiness.Ready, successor)
		}
	}
	return readiness
}

// pipelineComplete reports whether every branch terminus (a task with no
// successors) reached an ok-to-proceed status, plus the terminus ids on each
// side for diagnostic logging.
func pipelineComplete(tasks []reg.TaskExecution) (bool, []string, []string) {
	var completeLeaves, incompleteLeaves []string
	for _, task := range tasks {
		if len(task.Successors) > 0 {
			continue
		}
		if okToProceed[task.Status] {
			completeLeaves = append(completeLeaves, task.TaskExecutionID)
		} else {
			incompleteLeaves = append(incompleteLeaves, task.TaskExecutionID)
		}
	}
	return len(incompleteLeaves) == 0, completeLeaves, incompleteLeaves
}
