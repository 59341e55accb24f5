//go:build integration

package integrationtests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"mediaforge-backend/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQ(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, receiver := setupRabbitMQContainer(t, ctx)

	t.Run("Publish and Receive TrainBrandTask", func(t *testing.T) {
		payload := messaging.TrainBrandPayload{
			UserId:           "user-1",
			BrandId:          "brand-1",
			BrandName:        "Acme",
			JobId:            "lora-brand-1-1700000000000",
			TrainingDataPath: "training-data/brand-1/",
			NumImages:        12,
		}
		require.NoError(t, publisher.PublishTrainBrandTask(ctx, payload))

		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, messaging.TrainBrandQueue, task.Type())

			var received messaging.TrainBrandPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &received))
			assert.Equal(t, payload, received)

			require.NoError(t, task.Ack())
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	t.Run("Publish and Receive GenerateIllustrationTask", func(t *testing.T) {
		payload := messaging.GenerateIllustrationPayload{
			IllustrationId: "ill-1",
			UserId:         "user-1",
			BrandId:        "brand-1",
			Prompt:         "a lighthouse",
			Width:          768,
			Height:         512,
		}
		require.NoError(t, publisher.PublishGenerateIllustrationTask(ctx, payload))

		select {
		case task := <-receiver.Tasks():
			assert.Equal(t, messaging.GenerateIllustrationQueue, task.Type())

			var received messaging.GenerateIllustrationPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &received))
			assert.Equal(t, payload, received)

			require.NoError(t, task.Ack())
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	t.Run("Rejected task is not redelivered", func(t *testing.T) {
		require.NoError(t, publisher.PublishTrainBrandTask(ctx, messaging.TrainBrandPayload{BrandId: "rejected"}))

		select {
		case task := <-receiver.Tasks():
			require.NoError(t, task.Reject())
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}

		select {
		case task := <-receiver.Tasks():
			t.Fatalf("unexpected redelivery of %s task", task.Type())
		case <-time.After(time.Second):
		}
	})
}
