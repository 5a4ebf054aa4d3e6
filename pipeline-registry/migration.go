package pipeline_registry

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func checkTableExists(d *dynamodb.Client, name string) bool {
	tables, err := d.ListTables(context.TODO(), &dynamodb.ListTablesInput{})
	if err != nil {
		log.Fatal("ListTables failed", err)
	}
	for _, n := range tables.TableNames {
		if n == name {
			return true
		}
	}
	return false
}

func createPipelinesTable(svc *dynamodb.Client) error {
	if checkTableExists(svc, PipelinesTable) {
		log.Println(PipelinesTable, "table already exists")
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(PipelinesTable),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("pipeline_id"),
				KeyType:       types.KeyTypeHash, // Partition key
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("pipeline_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	}

	_, err := svc.CreateTable(context.TODO(), input)
	if err == nil {
		log.Println(PipelinesTable, "table created")
	}
	return err
}

func createTaskExecutionsTable(svc *dynamodb.Client) error {
	if checkTableExists(svc, TaskExecutionsTable) {
		log.Println(TaskExecutionsTable, "table already exists")
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(TaskExecutionsTable),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("task_execution_id"),
				KeyType:       types.KeyTypeHash, // Partition key
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("PipelineIndex"),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("pipeline_id"),
						KeyType:       types.KeyTypeHash, // Partition key
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("task_execution_id"),
				AttributeType: types.ScalarAttributeTypeS, // UUID as string
			},
			{
				AttributeName: aws.String("pipeline_id"),
				AttributeType: types.ScalarAttributeTypeS, // UUID as string
			},
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	}

	_, err := svc.CreateTable(context.TODO(), input)
	if err == nil {
		log.Println(TaskExecutionsTable, "table created")
	}
	return err
}

func createTaskDefinitionsTable(svc *dynamodb.Client) error {
	if checkTableExists(svc, TaskDefinitionsTable) {
		log.Println(TaskDefinitionsTable, "table already exists")
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(TaskDefinitionsTable),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("package_uuid"),
				KeyType:       types.KeyTypeHash, // Partition key
			},
			{
				AttributeName: aws.String("version"),
				KeyType:       types.KeyTypeRange, // Sort key
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("NameVersionIndex"),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("script_name"),
						KeyType:       types.KeyTypeHash, // Partition key
					},
					{
						AttributeName: aws.String("version"),
						KeyType:       types.KeyTypeRange, // Sort key
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("package_uuid"),
				AttributeType: types.ScalarAttributeTypeS, // UUID as string
			},
			{
				AttributeName: aws.String("version"),
				AttributeType: types.ScalarAttributeTypeN,
			},
			{
				AttributeName: aws.String("script_name"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	_, err := svc.CreateTable(context.TODO(), input)
	if err == nil {
		log.Println(TaskDefinitionsTable, "table created")
	}
	return err
}

func migrate(svc *dynamodb.Client) error {
	if err := createPipelinesTable(svc); err != nil {
		return fmt.Errorf("failed to create %q table: %w", PipelinesTable, err)
	}
	if err := createTaskExecutionsTable(svc); err != nil {
		return fmt.Errorf("failed to create %q table: %w", TaskExecutionsTable, err)
	}
	if err := createTaskDefinitionsTable(svc); err != nil {
		return fmt.Errorf("failed to create %q table: %w", TaskDefinitionsTable, err)
	}
	return nil
}
