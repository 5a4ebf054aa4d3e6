package pipeline_registry

import "time"

type Pipeline struct {
	PipelineID    string  `dynamodbav:"pipeline_id"` // PK
	PipelineName  string  `dynamodbav:"pipeline_name,omitempty"`
	Status        string  `dynamodbav:"pipeline_status"`
	CurrentTaskID string  `dynamodbav:"current_task_id,omitempty"`
	History       History `dynamodbav:"_history,omitempty"`
}

type History struct {
	CreatedBy             Actor      `dynamodbav:"createdBy,omitempty"`
	CreatedTimestamp      *time.Time `dynamodbav:"createdTimestamp,omitempty"`
	LastModifiedTimestamp *time.Time `dynamodbav:"lastModifiedTimestamp,omitempty"`
}

type Actor struct {
	UserRef string `dynamodbav:"userRef,omitempty"`
	Email   string `dynamodbav:"email,omitempty"`
}

type TaskExecution struct {
	TaskExecutionID   string            `dynamodbav:"task_execution_id"` // PK
	PipelineID        string            `dynamodbav:"pipeline_id"`       // SGI PK
	TaskExecutionName string            `dynamodbav:"task_execution_name,omitempty"`
	TaskID            string            `dynamodbav:"task_id"`
	TaskVersion       int               `dynamodbav:"task_version"`
	Status            string            `dynamodbav:"task_execution_status"`
	Successors        []string          `dynamodbav:"task_successors,omitempty"` // task_execution_id(s) unblocked by this task
	Inputs            map[string]string `dynamodbav:"task_execution_inputs,omitempty"`
	Output            string            `dynamodbav:"output,omitempty"`
	History           History           `dynamodbav:"_history,omitempty"`
}

type TaskDefinition struct {
	PackageUUID  string           `dynamodbav:"package_uuid"` // PK
	Version      int              `dynamodbav:"version"`      // SK, SGI SK
	ScriptName   string           `dynamodbav:"script_name"`  // SGI PK
	Type         string           `dynamodbav:"type"`
	LambdaSuffix string           `dynamodbav:"lambda_function_name_suffix,omitempty"`
	Arguments    []ScriptArgument `dynamodbav:"script_arguments,omitempty"`
	S3Key        string           `dynamodbav:"script_s3_key,omitempty"`
}

type ScriptArgument struct {
	Name        string `dynamodbav:"name"`
	Description string `dynamodbav:"description,omitempty"`
	Required    bool   `dynamodbav:"required,omitempty"`
}

const (
	PipelineStatus_Provisioning = "Provisioning"
	PipelineStatus_NotStarted   = "NotStarted"
	PipelineStatus_InProgress   = "InProgress"
	PipelineStatus_Complete     = "Complete"
	PipelineStatus_Failed       = "Failed"
)

const (
	TaskStatus_NotStarted      = "NotStarted"
	TaskStatus_InProgress      = "InProgress"
	TaskStatus_PendingApproval = "PendingApproval"
	TaskStatus_Complete        = "Complete"
	TaskStatus_Failed          = "Failed"
	TaskStatus_Skipped         = "Skipped"
	TaskStatus_Retry           = "Retry"
)

const (
	TaskType_Automated = "Automated"
	TaskType_Manual    = "Manual"
)

const TaskInitialStatus = TaskStatus_NotStarted

const PipelinesTable = "pipelines"
const TaskExecutionsTable = "task_executions"
const TaskDefinitionsTable = "script_definitions"
