package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/edclient/edclient/pkg/cloud"
	"github.com/edclient/edclient/pkg/models"
	"github.com/edclient/edclient/pkg/protocol"
)

var (
	_ cloud.Fetcher    = (*Client)(nil)
	_ cloud.Downloader = (*Client)(nil)
)

// errEmptyListing is returned when a cloud listing carries no folder.
var errEmptyListing = errors.New("cloud listing has no folder")

// PersonalCloud returns the root of the student's personal cloud.
func (c *Client) PersonalCloud(ctx context.Context) (*cloud.Folder, error) {
	_, acc, err := c.session()
	if err != nil {
		return nil, err
	}
	return c.openCloud(ctx, cloud.SpacePersonal, acc.ID)
}

// ClassClouds lists the class workspaces that have a cloud.
func (c *Client) ClassClouds(ctx context.Context) ([]models.CloudRef, error) {
	_, acc, err := c.session()
	if err != nil {
		return nil, err
	}
	var ws []protocol.Workspace
	ep := fmt.Sprintf("E/%d/espacestravail.awp", acc.ID)
	if err := c.call(ctx, ep, verb("get"), &ws); err != nil {
		return nil, err
	}
	return models.CloudRefsFrom(ws), nil
}

// ClassCloud returns the root of the class cloud with the given id.
func (c *Client) ClassCloud(ctx context.Context, id int) (*cloud.Folder, error) {
	return c.openCloud(ctx, cloud.SpaceClass, id)
}

func (c *Client) openCloud(ctx context.Context, space cloud.Space, owner int) (*cloud.Folder, error) {
	loc := cloud.Location{Space: space, OwnerID: owner, Folder: cloud.RootToken}
	node, err := c.fetchFolder(ctx, loc)
	if err != nil {
		return nil, err
	}
	return cloud.NewRoot(cloud.Options{
		Space:      space,
		OwnerID:    owner,
		Fetcher:    c,
		Downloader: c,
	}, entryFrom(*node))
}

// FetchListing fetches the direct children of the folder at loc.
func (c *Client) FetchListing(ctx context.Context, loc cloud.Location) (*cloud.Listing, error) {
	node, err := c.fetchFolder(ctx, loc)
	if err != nil {
		return nil, err
	}
	return &cloud.Listing{
		Children: entriesFrom(node.Children),
		Loaded:   node.IsLoaded,
	}, nil
}

func (c *Client) fetchFolder(ctx context.Context, loc cloud.Location) (*protocol.CloudNode, error) {
	ep := fmt.Sprintf("cloud/%s/%d.awp", loc.Space, loc.OwnerID)
	q := url.Values{"verbe": {"get"}, "idFolder": {loc.Folder}}

	var nodes []protocol.CloudNode
	if err := c.call(ctx, ep, q, &nodes); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errEmptyListing
	}
	return &nodes[0], nil
}

func entryFrom(n protocol.CloudNode) cloud.Entry {
	return cloud.Entry{
		Type:     cloud.EntryType(n.Type),
		Name:     n.Label,
		ID:       string(n.ID),
		Size:     int64(n.Size),
		Loaded:   n.IsLoaded,
		Children: entriesFrom(n.Children),
	}
}

func entriesFrom(nodes []protocol.CloudNode) []cloud.Entry {
	entries := make([]cloud.Entry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, entryFrom(n))
	}
	return entries
}
