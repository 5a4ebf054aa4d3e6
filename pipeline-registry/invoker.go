package pipeline_registry

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// InvokeWorker synchronously invokes a worker function with a JSON payload
// and returns the outer invocation status code. A 2xx code only confirms the
// worker was started; the worker reports its own business outcome by writing
// the task execution status itself.
func (registry *PipelineRegistry) InvokeWorker(functionName string, payload []byte) (int, error) {
	output, err := registry.lambdaClient.Invoke(context.TODO(), &lambda.InvokeInput{
		FunctionName:   aws.String(functionName),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to invoke worker %q: %w", functionName, err)
	}
	return int(output.StatusCode), nil
}
