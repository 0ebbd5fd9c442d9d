package rewardsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/gin-gonic/gin"
)

// PushProcessor handles one decoded push message. Returning an error makes Pub/Sub redeliver.
type PushProcessor func(ctx context.Context, messageId string, env config.RewardSyncEnvelope) error

// PubSubPushHandler receives push deliveries for the reward-sync topic.
// Malformed messages are acked (204) so they are not redelivered forever.
func PubSubPushHandler(process PushProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var msg config.RewardSyncEnvelope
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil || msg.Kind == "" {
			c.Status(http.StatusNoContent)
			return
		}

		if err := process(c.Request.Context(), envelope.Message.ID, msg); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
