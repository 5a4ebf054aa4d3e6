package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	pipeline_registry "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

type TaskYAML struct {
	Name       string            `yaml:"name"`
	TaskID     string            `yaml:"task_id"`
	Version    int               `yaml:"version"`
	Inputs     map[string]string `yaml:"inputs"`
	Attachment string            `yaml:"attachment"`
	Successors []string          `yaml:"successors"`
}

// parseTemplate reads and validates the pipeline template: names must be
// unique, successor references must resolve, the graph must be acyclic and
// have at least one root. Task execution ids are minted here; successor
// names are rewritten to ids.
func parseTemplate(templatePath string) ([]TaskYAML, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var tasksYAML []TaskYAML
	if err = yaml.Unmarshal(data, &tasksYAML); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if len(tasksYAML) == 0 {
		return nil, fmt.Errorf("pipeline template %q contains no tasks", templatePath)
	}

	byName := make(map[string]bool, len(tasksYAML))
	for _, taskYAML := range tasksYAML {
		if taskYAML.Name == "" {
			return nil, fmt.Errorf("task with task_id %q has no name", taskYAML.TaskID)
		}
		if taskYAML.TaskID == "" {
			return nil, fmt.Errorf("task %q has no task_id", taskYAML.Name)
		}
		if byName[taskYAML.Name] {
			return nil, fmt.Errorf("task name %q is used more than once", taskYAML.Name)
		}
		byName[taskYAML.Name] = true
	}

	for _, taskYAML := range tasksYAML {
		for _, successor := range taskYAML.Successors {
			if !byName[successor] {
				return nil, fmt.Errorf("task %q references unknown successor %q", taskYAML.Name, successor)
			}
			if successor == taskYAML.Name {
				return nil, fmt.Errorf("task %q lists itself as a successor", taskYAML.Name)
			}
		}
	}

	if err = checkAcyclic(tasksYAML); err != nil {
		return nil, err
	}

	return tasksYAML, nil
}

// checkAcyclic runs Kahn's algorithm over the successor lists; tasks left
// unvisited sit on a cycle. It also rejects a graph without roots (every
// task a successor of another), which the orchestrator would mark Failed.
func checkAcyclic(tasksYAML []TaskYAML) error {
	inDegree := make(map[string]int, len(tasksYAML))
	for _, taskYAML := range tasksYAML {
		inDegree[taskYAML.Name] += 0
		for _, successor := range taskYAML.Successors {
			inDegree[successor]++
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	if len(queue) == 0 {
		return fmt.Errorf("pipeline template has no root tasks (every task is someone's successor)")
	}

	successorsOf := make(map[string][]string, len(tasksYAML))
	for _, taskYAML := range tasksYAML {
		successorsOf[taskYAML.Name] = taskYAML.Successors
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, successor := range successorsOf[name] {
			inDegree[successor]--
			if inDegree[successor] == 0 {
				queue = append(queue, successor)
			}
		}
	}

	if visited != len(tasksYAML) {
		return fmt.Errorf("pipeline template contains a cycle")
	}
	return nil
}

// createTaskExecutions turns the parsed template into task-execution records
// for one pipeline, uploading per-task attachments to S3 and merging the
// shared parameters into each task's inputs (task-specific values win).
func createTaskExecutions(
	registry *pipeline_registry.PipelineRegistry,
	pipelineID string,
	tasksYAML []TaskYAML,
	sharedInputs map[string]string,
	s3Bucket string,
	createdBy pipeline_registry.Actor,
) ([]pipeline_registry.TaskExecution, error) {
	idsByName := make(map[string]string, len(tasksYAML))
	for _, taskYAML := range tasksYAML {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to create task execution id: %w", err)
		}
		idsByName[taskYAML.Name] = id.String()
	}

	now := time.Now().UTC()
	tasks := make([]pipeline_registry.TaskExecution, len(tasksYAML))
	for i, taskYAML := range tasksYAML {
		inputs := make(map[string]string, len(sharedInputs)+len(taskYAML.Inputs))
		for key, value := range sharedInputs {
			inputs[key] = value
		}
		for key, value := range taskYAML.Inputs {
			inputs[key] = value
		}

		if taskYAML.Attachment != "" {
			if _, err := os.Stat(taskYAML.Attachment); err != nil {
				return nil, fmt.Errorf("cannot stat attachment of task %q: %v", taskYAML.Name, err)
			}
			s3Path, err := registry.UploadAttachmentForPipeline(
				taskYAML.Attachment, s3Bucket, pipelineID, idsByName[taskYAML.Name])
			if err != nil {
				return nil, fmt.Errorf("error uploading attachment of task %q to S3, %v", taskYAML.Name, err)
			}
			inputs["attachment"] = s3Path
		}

		successors := make([]string, len(taskYAML.Successors))
		for j, successorName := range taskYAML.Successors {
			successors[j] = idsByName[successorName]
		}

		tasks[i] = pipeline_registry.TaskExecution{
			TaskExecutionID:   idsByName[taskYAML.Name],
			PipelineID:        pipelineID,
			TaskExecutionName: taskYAML.Name,
			TaskID:            taskYAML.TaskID,
			TaskVersion:       taskYAML.Version,
			Status:            pipeline_registry.TaskInitialStatus,
			Successors:        successors,
			Inputs:            inputs,
			History: pipeline_registry.History{
				CreatedBy:        createdBy,
				CreatedTimestamp: &now,
			},
		}
	}

	return tasks, nil
}

func readKeyValueFile(filePath string) (map[string]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	kvMap := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := scanner.Text()
		// Skip empty lines and lines starting with #
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid line: %s (btw, comments are supported only on separate lines)", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		kvMap[key] = value
	}

	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return kvMap, nil
}
