package pipeline_registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func (registry *PipelineRegistry) InsertPipeline(pipeline Pipeline) error {
	av, err := attributevalue.MarshalMap(pipeline)
	if err != nil {
		return err
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(PipelinesTable),
		Item:      av,
	}

	_, err = registry.dynamodbClient.PutItem(context.TODO(), input)
	return err
}

func (registry *PipelineRegistry) InsertTaskExecution(task TaskExecution) error {
	av, err := attributevalue.MarshalMap(task)
	if err != nil {
		return err
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(TaskExecutionsTable),
		Item:      av,
	}

	_, err = registry.dynamodbClient.PutItem(context.TODO(), input)
	return err
}

func (registry *PipelineRegistry) GetPipeline(pipelineID string) (*Pipeline, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(PipelinesTable),
		Key: map[string]types.AttributeValue{
			"pipeline_id": &types.AttributeValueMemberS{Value: pipelineID},
		},
	}

	result, err := registry.dynamodbClient.GetItem(context.TODO(), input)
	if err != nil {
		return nil, err
	}

	if len(result.Item) == 0 {
		return nil, nil
	}

	var pipeline Pipeline
	err = attributevalue.UnmarshalMap(result.Item, &pipeline)
	if err != nil {
		return nil, err
	}

	return &pipeline, nil
}

func (registry *PipelineRegistry) GetTaskExecution(taskExecutionID string) (*TaskExecution, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(TaskExecutionsTable),
		Key: map[string]types.AttributeValue{
			"task_execution_id": &types.AttributeValueMemberS{Value: taskExecutionID},
		},
	}

	result, err := registry.dynamodbClient.GetItem(context.TODO(), input)
	if err != nil {
		return nil, err
	}

	if len(result.Item) == 0 {
		return nil, fmt.Errorf("task execution '%s' not found", taskExecutionID)
	}

	var task TaskExecution
	err = attributevalue.UnmarshalMap(result.Item, &task)
	if err != nil {
		return nil, err
	}

	return &task, nil
}

func (registry *PipelineRegistry) GetTaskExecutionsForPipeline(pipelineID string) ([]TaskExecution, error) {
	result, err := registry.dynamodbClient.Query(context.TODO(), &dynamodb.QueryInput{
		TableName:              aws.String(TaskExecutionsTable),
		IndexName:              aws.String("PipelineIndex"),
		KeyConditionExpression: aws.String("pipeline_id = :pipeline_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pipeline_id": &types.AttributeValueMemberS{Value: pipelineID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query task executions: %w", err)
	}

	var tasks []TaskExecution
	err = attributevalue.UnmarshalListOfMaps(result.Items, &tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal task executions: %w", err)
	}

	return tasks, nil
}

func (registry *PipelineRegistry) UpdateTaskExecutionStatus(taskExecutionID, newStatus string) error {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(TaskExecutionsTable),
		Key: map[string]types.AttributeValue{
			"task_execution_id": &types.AttributeValueMemberS{Value: taskExecutionID},
		},
		UpdateExpression:    aws.String("SET #status = :newStatus"),
		ConditionExpression: aws.String("attribute_exists(task_execution_id)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "task_execution_status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":newStatus": &types.AttributeValueMemberS{Value: newStatus},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}

	_, err := registry.dynamodbClient.UpdateItem(context.TODO(), input)
	if err != nil {
		return fmt.Errorf("failed to update task execution status: %w", err)
	}

	return nil
}

// ClaimTaskExecution moves a task execution from expectedStatus to newStatus
// only if its status still equals expectedStatus. Returns false when another
// writer claimed the task first, which callers treat as "skip, not an error".
func (registry *PipelineRegistry) ClaimTaskExecution(taskExecutionID, expectedStatus, newStatus string) (bool, error) {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(TaskExecutionsTable),
		Key: map[string]types.AttributeValue{
			"task_execution_id": &types.AttributeValueMemberS{Value: taskExecutionID},
		},
		UpdateExpression:    aws.String("SET #status = :newStatus"),
		ConditionExpression: aws.String("#status = :expectedStatus"),
		ExpressionAttributeNames: map[string]string{
			"#status": "task_execution_status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":newStatus":      &types.AttributeValueMemberS{Value: newStatus},
			":expectedStatus": &types.AttributeValueMemberS{Value: expectedStatus},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}

	_, err := registry.dynamodbClient.UpdateItem(context.TODO(), input)
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim task execution %s: %w", taskExecutionID, err)
	}

	return true, nil
}

func (registry *PipelineRegistry) UpdateTaskExecutionOutput(taskExecutionID, output string) error {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(TaskExecutionsTable),
		Key: map[string]types.AttributeValue{
			"task_execution_id": &types.AttributeValueMemberS{Value: taskExecutionID},
		},
		UpdateExpression:    aws.String("SET #output = :output"),
		ConditionExpression: aws.String("attribute_exists(task_execution_id)"),
		ExpressionAttributeNames: map[string]string{
			"#output": "output",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":output": &types.AttributeValueMemberS{Value: output},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}

	_, err := registry.dynamodbClient.UpdateItem(context.TODO(), input)
	if err != nil {
		return fmt.Errorf("failed to update task execution output: %w", err)
	}

	return nil
}

// UpdatePipelineStatus also refreshes _history.lastModifiedTimestamp and, when
// currentTaskID is non-empty, moves the current-task pointer. The write is
// conditional on the status actually changing, so replaying the same
// transition reports false instead of re-applying it. A pipeline that no
// longer exists is not an error either: concurrent deletion of a whole
// pipeline is legal, so the update is skipped and false is returned.
func (registry *PipelineRegistry) UpdatePipelineStatus(pipelineID, newStatus, currentTaskID string) (bool, error) {
	updateExpression := "SET pipeline_status = :newStatus, #history.lastModifiedTimestamp = :now"
	values := map[string]types.AttributeValue{
		":newStatus": &types.AttributeValueMemberS{Value: newStatus},
		":now":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
	}
	if currentTaskID != "" {
		updateExpression += ", current_task_id = :currentTaskId"
		values[":currentTaskId"] = &types.AttributeValueMemberS{Value: currentTaskID}
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(PipelinesTable),
		Key: map[string]types.AttributeValue{
			"pipeline_id": &types.AttributeValueMemberS{Value: pipelineID},
		},
		UpdateExpression:    aws.String(updateExpression),
		ConditionExpression: aws.String("attribute_exists(pipeline_id) AND pipeline_status <> :newStatus"),
		ExpressionAttributeNames: map[string]string{
			"#history": "_history",
		},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	}

	_, err := registry.dynamodbClient.UpdateItem(context.TODO(), input)
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			log.Printf("Pipeline %s is already deleted or already %s, skipping status update", pipelineID, newStatus)
			return false, nil
		}
		return false, fmt.Errorf("failed to update pipeline status: %w", err)
	}

	return true, nil
}

// UpdatePipelineCurrentTask moves the informational current-task pointer
// without touching pipeline_status. Dispatching successors must never rewrite
// a status the aggregation rules have already settled, in particular a Failed
// pipeline whose remaining branches are still draining.
func (registry *PipelineRegistry) UpdatePipelineCurrentTask(pipelineID, currentTaskID string) (bool, error) {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(PipelinesTable),
		Key: map[string]types.AttributeValue{
			"pipeline_id": &types.AttributeValueMemberS{Value: pipelineID},
		},
		UpdateExpression:    aws.String("SET current_task_id = :currentTaskId, #history.lastModifiedTimestamp = :now"),
		ConditionExpression: aws.String("attribute_exists(pipeline_id)"),
		ExpressionAttributeNames: map[string]string{
			"#history": "_history",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":currentTaskId": &types.AttributeValueMemberS{Value: currentTaskID},
			":now":           &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}

	_, err := registry.dynamodbClient.UpdateItem(context.TODO(), input)
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			log.Printf("Pipeline %s is already deleted, skipping current-task update to %s", pipelineID, currentTaskID)
			return false, nil
		}
		return false, fmt.Errorf("failed to update pipeline current task: %w", err)
	}

	return true, nil
}

func (registry *PipelineRegistry) ListPipelines(statuses []string) ([]Pipeline, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(PipelinesTable),
	}

	var pipelines []Pipeline
	paginator := dynamodb.NewScanPaginator(registry.dynamodbClient, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.TODO())
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipelines: %w", err)
		}
		var batch []Pipeline
		if err = attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pipelines: %w", err)
		}
		pipelines = append(pipelines, batch...)
	}

	if len(statuses) == 0 {
		return pipelines, nil
	}

	wanted := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}
	var filtered []Pipeline
	for _, p := range pipelines {
		if _, ok := wanted[p.Status]; ok {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}
