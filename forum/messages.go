package forum

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// SendMessage delivers a private message to a user by account ID. Users
// whose inbox rejects non-contacts produce a *RestrictedInboxError.
func (c *Client) SendMessage(ctx context.Context, userID, subject, body string) error {
	_, err := c.moduleCall(ctx, c.portalURL(), "message/MessageSendModule", url.Values{
		"to_user_id": {userID},
		"subject":    {subject},
		"source":     {body},
	})
	if err != nil {
		var me *ModuleError
		if errors.As(err, &me) && me.Status == "no_permission" {
			return &RestrictedInboxError{UserID: userID}
		}
		return fmt.Errorf("send message to user %s: %w", userID, err)
	}

	c.logger.Info("Private message sent", "user_id", userID, "subject", subject)
	return nil
}
