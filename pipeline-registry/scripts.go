package pipeline_registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Version 0 is not a real script version: it addresses whichever version is
// currently published as the default one.
const DefaultScriptVersion = 0

func (registry *PipelineRegistry) InsertTaskDefinition(definition TaskDefinition) error {
	av, err := attributevalue.MarshalMap(definition)
	if err != nil {
		return err
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(TaskDefinitionsTable),
		Item:      av,
	}

	_, err = registry.dynamodbClient.PutItem(context.TODO(), input)
	return err
}

func (registry *PipelineRegistry) GetTaskDefinition(packageUUID string, version int) (*TaskDefinition, error) {
	if version == DefaultScriptVersion {
		return registry.getDefaultTaskDefinition(packageUUID)
	}

	input := &dynamodb.GetItemInput{
		TableName: aws.String(TaskDefinitionsTable),
		Key: map[string]types.AttributeValue{
			"package_uuid": &types.AttributeValueMemberS{Value: packageUUID},
			"version":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
		},
	}

	result, err := registry.dynamodbClient.GetItem(context.TODO(), input)
	if err != nil {
		return nil, err
	}

	if len(result.Item) == 0 {
		return nil, fmt.Errorf("task definition '%s' version %d not found", packageUUID, version)
	}

	var definition TaskDefinition
	err = attributevalue.UnmarshalMap(result.Item, &definition)
	if err != nil {
		return nil, err
	}

	return &definition, nil
}

// getDefaultTaskDefinition resolves version 0 to the highest stored version of
// the package.
func (registry *PipelineRegistry) getDefaultTaskDefinition(packageUUID string) (*TaskDefinition, error) {
	result, err := registry.dynamodbClient.Query(context.TODO(), &dynamodb.QueryInput{
		TableName:              aws.String(TaskDefinitionsTable),
		KeyConditionExpression: aws.String("package_uuid = :package_uuid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":package_uuid": &types.AttributeValueMemberS{Value: packageUUID},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result.Items) == 0 {
		return nil, fmt.Errorf("task definition '%s' not found", packageUUID)
	}

	var definitions []TaskDefinition
	if err = attributevalue.UnmarshalListOfMaps(result.Items, &definitions); err != nil {
		return nil, err
	}

	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].Version > definitions[j].Version
	})
	return &definitions[0], nil
}

// FindTaskDefinitionByName is the legacy lookup path: older pipelines
// reference scripts by name instead of package UUID.
func (registry *PipelineRegistry) FindTaskDefinitionByName(scriptName string, version int) (*TaskDefinition, error) {
	result, err := registry.dynamodbClient.Query(context.TODO(), &dynamodb.QueryInput{
		TableName:              aws.String(TaskDefinitionsTable),
		IndexName:              aws.String("NameVersionIndex"),
		KeyConditionExpression: aws.String("script_name = :script_name and version = :version"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":script_name": &types.AttributeValueMemberS{Value: scriptName},
			":version":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result.Items) == 0 {
		return nil, fmt.Errorf("script '%s' version %d not found", scriptName, version)
	}
	if len(result.Items) > 1 {
		return nil, fmt.Errorf("script '%s' version %d is not unique", scriptName, version)
	}

	var definition TaskDefinition
	err = attributevalue.UnmarshalMap(result.Items[0], &definition)
	if err != nil {
		return nil, err
	}

	return &definition, nil
}
