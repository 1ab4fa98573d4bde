package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/protocol"
)

// GetUser resolves a member id to its profile.
func (c *Client) GetUser(ctx context.Context, userID int64) (*models.UserProfile, error) {
	var profile models.UserProfile
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/users/%d", userID), nil, &profile); err != nil {
		return nil, err
	}
	if profile.UserID == 0 {
		profile.UserID = userID
	}
	return &profile, nil
}

// GetGroupMembers lists the member ids of a group.
func (c *Client) GetGroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	var resp models.GroupMembersResponse
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/groups/%d/members", groupID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.MemberIDs, nil
}

// historyPage accepts either a bare array or a page object.
type historyPage []models.HistoryRecord

func (p *historyPage) UnmarshalJSON(data []byte) error {
	var list []models.HistoryRecord
	if err := json.Unmarshal(data, &list); err == nil {
		*p = list
		return nil
	}
	var page struct {
		Messages []models.HistoryRecord `json:"messages"`
		Content  []models.HistoryRecord `json:"content"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return err
	}
	if page.Messages != nil {
		*p = page.Messages
	} else {
		*p = page.Content
	}
	return nil
}

// GetMessages fetches one page of a group's history mapped onto Message.
func (c *Client) GetMessages(ctx context.Context, groupID int64, limit, offset int, currentUserID int64) ([]models.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var page historyPage
	endpoint := fmt.Sprintf("/api/groups/%d/messages?%s", groupID, q.Encode())
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(page))
	for _, rec := range page {
		messages = append(messages, rec.ToMessage(groupID, currentUserID, protocol.ParseTimestamp))
	}
	return messages, nil
}
