package main

import (
	"fmt"
	"time"

	pipeline_registry "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

func printPipelineReport(pipeline *pipeline_registry.Pipeline, tasks []pipeline_registry.TaskExecution) {
	fmt.Printf("Finished pipeline:\n")
	fmt.Printf("  ID: %s\n", pipeline.PipelineID)
	fmt.Printf("  Name: %s\n", pipeline.PipelineName)
	fmt.Printf("  Status: %s\n", pipeline.Status)
	if pipeline.History.CreatedTimestamp != nil {
		fmt.Printf("  Created: %s\n", pipeline.History.CreatedTimestamp.Format(time.DateTime))
	}
	fmt.Println()

	switch {
	case allTasksHaveStatus(tasks, pipeline_registry.TaskStatus_Complete):
		fmt.Printf("All tasks finished successfully!\n")
	case anyTaskHasStatus(tasks, pipeline_registry.TaskStatus_Failed):
		fmt.Printf("Some task(s) failed!\n")
	case anyTaskHasStatus(tasks, pipeline_registry.TaskStatus_PendingApproval):
		fmt.Printf("Some task is still waiting for manual approval! This is probably an error!\n")
	case anyTaskHasStatus(tasks, pipeline_registry.TaskStatus_InProgress):
		fmt.Printf("Some task has status InProgress! This is probably an error!\n")
	case anyTaskHasStatus(tasks, pipeline_registry.TaskStatus_Skipped):
		fmt.Printf("All tasks are done but some were skipped after failing.\n")
	}

	fmt.Printf("Tasks:\n")
	fmt.Println()
	for _, task := range tasks {
		fmt.Printf("  - Name: %s\n", task.TaskExecutionName)
		fmt.Printf("    ID: %s\n", task.TaskExecutionID)
		fmt.Printf("    Status: %s\n", task.Status)
		fmt.Printf("    Task: %s (version %d)\n", task.TaskID, task.TaskVersion)
		if len(task.Successors) > 0 {
			fmt.Printf("    Successors: %v\n", task.Successors)
		}
		if len(task.Inputs) > 0 {
			fmt.Printf("    Inputs: %v\n", task.Inputs)
		}
		if task.Output != "" {
			fmt.Printf("    Output: %s\n", task.Output)
		}
		fmt.Println()
	}
}

func allTasksHaveStatus(tasks []pipeline_registry.TaskExecution, status string) bool {
	for _, task := range tasks {
		if task.Status != status {
			return false
		}
	}
	return true
}

func anyTaskHasStatus(tasks []pipeline_registry.TaskExecution, status string) bool {
	for _, task := range tasks {
		if task.Status == status {
			return true
		}
	}
	return false
}
