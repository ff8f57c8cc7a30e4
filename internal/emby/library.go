package emby

import (
	"context"
	"net/http"

	"emby-panel/internal/model"
)

func (c *Client) Libraries(ctx context.Context) ([]model.Library, error) {
	var libs []model.Library
	if err := c.do(ctx, http.MethodGet, "/Library/VirtualFolders", nil, nil, &libs); err != nil {
		return nil, err
	}
	return libs, nil
}

func (c *Client) SystemInfo(ctx context.Context) (*model.SystemInfo, error) {
	var info model.SystemInfo
	if err := c.do(ctx, http.MethodGet, "/System/Info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
