package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/edclient/edclient/pkg/models"
	"github.com/edclient/edclient/pkg/protocol"
)

func verb(v string) url.Values {
	return url.Values{"verbe": {v}}
}

func (c *Client) studentEndpoint(prefix, suffix string) (string, error) {
	_, acc, err := c.session()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d/%s", prefix, acc.ID, suffix), nil
}

// Homework returns the homework book, ordered by due date.
func (c *Client) Homework(ctx context.Context) ([]models.Homework, error) {
	ep, err := c.studentEndpoint("Eleves", "cahierdetexte.awp")
	if err != nil {
		return nil, err
	}
	var data protocol.HomeworkData
	if err := c.call(ctx, ep, verb("get"), &data); err != nil {
		return nil, err
	}
	return models.HomeworkFrom(data), nil
}

// HomeworkForDay returns the homework due on day (YYYY-MM-DD).
func (c *Client) HomeworkForDay(ctx context.Context, day string) ([]models.Homework, error) {
	ep, err := c.studentEndpoint("Eleves", "cahierdetexte/"+url.PathEscape(day)+".awp")
	if err != nil {
		return nil, err
	}
	var data protocol.HomeworkData
	if err := c.call(ctx, ep, verb("get"), &data); err != nil {
		return nil, err
	}
	return models.HomeworkFrom(data), nil
}

// Grades returns the subject averages of every period.
func (c *Client) Grades(ctx context.Context) (models.GradeList, error) {
	ep, err := c.studentEndpoint("eleves", "notes.awp")
	if err != nil {
		return nil, err
	}
	var data protocol.GradesData
	if err := c.call(ctx, ep, verb("get"), &data); err != nil {
		return nil, err
	}
	return models.GradesFrom(data), nil
}

// Messages returns the mailbox, newest first in each folder.
func (c *Client) Messages(ctx context.Context) (*models.MessageBox, error) {
	ep, err := c.studentEndpoint("eleves", "messages.awp")
	if err != nil {
		return nil, err
	}
	q := url.Values{"verbe": {"getall"}, "orderBy": {"date"}, "order": {"desc"}}
	var data protocol.MessagesData
	if err := c.call(ctx, ep, q, &data); err != nil {
		return nil, err
	}
	return models.MessagesFrom(data), nil
}

// MarkRead marks a message as read.
func (c *Client) MarkRead(ctx context.Context, messageID int) error {
	return c.messageAction(ctx, messageID, protocol.ActionMarkRead, nil)
}

// MarkUnread marks a message as not read.
func (c *Client) MarkUnread(ctx context.Context, messageID int) error {
	return c.messageAction(ctx, messageID, protocol.ActionMarkUnread, nil)
}

// Archive moves a message to the archive.
func (c *Client) Archive(ctx context.Context, messageID int) error {
	return c.messageAction(ctx, messageID, protocol.ActionArchive, nil)
}

// Unarchive takes a message out of the archive.
func (c *Client) Unarchive(ctx context.Context, messageID int) error {
	return c.messageAction(ctx, messageID, protocol.ActionUnarchive, nil)
}

// MoveTo moves a message to a mailbox folder.
func (c *Client) MoveTo(ctx context.Context, messageID, folderID int) error {
	return c.messageAction(ctx, messageID, protocol.ActionMove, &folderID)
}

func (c *Client) messageAction(ctx context.Context, messageID int, action string, folderID *int) error {
	token, acc, err := c.session()
	if err != nil {
		return err
	}
	ep := fmt.Sprintf("eleves/%d/messages.awp", acc.ID)
	req := protocol.MessageAction{
		Token:    token,
		IDs:      []int{messageID},
		Action:   action,
		FolderID: folderID,
	}
	if err := c.post(ctx, ep, verb("put"), req, nil); err != nil {
		return fmt.Errorf("message %d %s: %w", messageID, action, err)
	}
	return nil
}

// SchoolLife returns absences and delays.
func (c *Client) SchoolLife(ctx context.Context) ([]models.SchoolLifeEvent, error) {
	ep, err := c.studentEndpoint("eleves", "viescolaire.awp")
	if err != nil {
		return nil, err
	}
	var data protocol.SchoolLifeData
	if err := c.call(ctx, ep, verb("get"), &data); err != nil {
		return nil, err
	}
	return models.SchoolLifeFrom(data), nil
}

// Accounts returns the billing accounts with their entries.
func (c *Client) Accounts(ctx context.Context) ([]models.BillingAccount, error) {
	var data protocol.AccountsData
	if err := c.call(ctx, "comptes/detail.awp", verb("get"), &data); err != nil {
		return nil, err
	}
	return models.AccountsFrom(data), nil
}

// Documents returns the downloadable school documents.
func (c *Client) Documents(ctx context.Context) (*models.Documents, error) {
	var data protocol.DocumentsData
	if err := c.call(ctx, "elevesDocuments.awp", verb("get"), &data); err != nil {
		return nil, err
	}
	return models.DocumentsFrom(data), nil
}
