package pipeline_registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const UsageEvent_PipelineComplete = "PipelineComplete"
const UsageEvent_PipelineFailed = "PipelineFailed"

type PipelineEvent struct {
	Event      string `json:"event"`
	PipelineID string `json:"pipeline_id"`
}

// NotifyPipelineEnded publishes a terminal-state usage signal. Consumers are
// telemetry and the pipeline-runner wait loop; delivery is best effort.
func (registry *PipelineRegistry) NotifyPipelineEnded(event, pipelineID string) error {
	body, err := json.Marshal(PipelineEvent{Event: event, PipelineID: pipelineID})
	if err != nil {
		return err
	}
	err = sendMessageToSQS(PipelineEventsQueue, string(body), registry.sqsClient)
	if err != nil {
		return fmt.Errorf("error sending message to SQS queue %q, %w", PipelineEventsQueue, err)
	}
	log.Println("Pipeline", pipelineID, "signalled", event)
	return nil
}

func sendMessageToSQS(queueName, messageBody string, svc *sqs.Client) error {
	queueUrl, err := getQueueUrl(queueName, svc)
	if err != nil {
		return fmt.Errorf("error getting SQS queue URL for name %q, %w", queueName, err)
	}
	_, err = svc.SendMessage(context.TODO(), &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueUrl),
		MessageBody: aws.String(messageBody),
	})
	return err
}

func getQueueUrl(queueName string, svc *sqs.Client) (string, error) {
	result, err := svc.GetQueueUrl(context.TODO(), &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", err
	}
	return *result.QueueUrl, nil
}

// WaitForPipelineFinish blocks until a terminal event for the expected
// pipeline arrives on the pipeline-events queue, printing a task status
// report while waiting. Ctrl-C interrupts the wait.
func (registry *PipelineRegistry) WaitForPipelineFinish(
	expectedPipelineID string,
	wasCancelled chan bool,
) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		wasCancelled <- true
		cancel()
	}()
	defer func() {
		wasCancelled <- false
	}()

	queueURL, err := getQueueUrl(PipelineEventsQueue, registry.sqsClient)
	if err != nil {
		return "", fmt.Errorf("error getting SQS queue URL for name %q, %w", PipelineEventsQueue, err)
	}
	log.Println("Waiting for the pipeline to finish...")
	for {
		// Receive messages with long polling
		output, err := registry.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20, // Long polling timeout (maximum 20 seconds)
		})
		if err != nil {
			return "", fmt.Errorf("failed to receive messages, %w", err)
		}

		if len(output.Messages) == 0 {
			registry.printStatusReport(expectedPipelineID)
			continue
		}

		log.Printf("Received a message from %s queue\n", PipelineEventsQueue)
		if len(output.Messages) > 1 {
			log.Println("Received message count is more than 1! Only the first will be taken.")
		}

		var event PipelineEvent
		if err = json.Unmarshal([]byte(*output.Messages[0].Body), &event); err != nil {
			log.Printf("Skipping unreadable message on %s queue: %v", PipelineEventsQueue, err)
			continue
		}

		if event.PipelineID != expectedPipelineID {
			log.Printf("Received %s for pipeline %s but expected %s, keep waiting...\n",
				event.Event, event.PipelineID, expectedPipelineID)
			registry.printStatusReport(expectedPipelineID)
			interrupted := SleepInterruptibly(ctx, 20*time.Second)
			if interrupted {
				return "", nil
			}
			continue
		}

		log.Println("Pipeline", event.PipelineID, "finished with", event.Event)
		_, err = registry.sqsClient.DeleteMessage(context.TODO(), &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(queueURL),
			ReceiptHandle: output.Messages[0].ReceiptHandle,
		})
		if err != nil {
			log.Printf("failed to remove message from the queue (non-critical error), %v", err)
		}

		return event.Event, nil
	}
}

func (registry *PipelineRegistry) printStatusReport(pipelineID string) {
	statusReport, err := registry.getTaskStatusReport(pipelineID)
	if err != nil {
		log.Printf("failed to get task status report (non-critical error), %v", err)
	}
	log.Printf("%s: %s\n", pipelineID, statusReport)
}

func (registry *PipelineRegistry) getTaskStatusReport(pipelineID string) (string, error) {
	tasks, err := registry.GetTaskExecutionsForPipeline(pipelineID)
	if err != nil {
		return "", fmt.Errorf("failed getting task executions from DB: %w", err)
	}
	taskStatuses := make([]string, len(tasks))
	for i, task := range tasks {
		taskStatuses[i] = fmt.Sprintf("%s - %s", task.TaskExecutionName, task.Status)
	}
	return strings.Join(taskStatuses, ", "), nil
}

func SleepInterruptibly(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return true
	case <-t.C:
	}
	return false
}
