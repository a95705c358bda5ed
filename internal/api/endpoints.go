package api

import (
	"context"
	"fmt"

	"notibell/internal/model"
)

// FetchAccount returns the principal the current credential belongs to.
func (c *Client) FetchAccount(ctx context.Context) (model.Account, error) {
	var acc model.Account
	if err := c.GetJSON(ctx, "/api/v1/auth/account", &acc); err != nil {
		return model.Account{}, err
	}
	return acc, nil
}

// FetchNotifications returns the principal's notifications in server order.
func (c *Client) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	var out []model.Notification
	if err := c.GetJSON(ctx, "/api/v1/notifications", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Notification{}
	}
	return out, nil
}

// MarkNotificationRead flags one notification as read on the server.
func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	return c.PutJSON(ctx, fmt.Sprintf("/api/v1/notifications/%d/read", id), nil, nil)
}

// FetchResumes returns the principal's submitted resumes.
func (c *Client) FetchResumes(ctx context.Context) ([]model.Resume, error) {
	var out []model.Resume
	if err := c.PostJSON(ctx, "/api/v1/resumes/by-user", struct{}{}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Resume{}
	}
	return out, nil
}
