// Package pagination implements the opaque list cursors used by servers and
// the auto-pagination loop used by clients.
//
// Servers page a snapshot of their items with Page:
//
//	page, next, err := pagination.Page(tools, params.Cursor, pagination.DefaultPageSize)
//
// Clients follow cursors until none remains with Collect:
//
//	tools, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]protocol.Tool, string, error) {
//	    res, err := c.ListTools(ctx, cursor)
//	    if err != nil {
//	        return nil, "", err
//	    }
//	    return res.Tools, res.NextCursor, nil
//	})
package pagination

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
)

const (
	// DefaultPageSize is the page size servers use unless configured otherwise
	DefaultPageSize = 50

	// MaxPageSize caps configured page sizes
	MaxPageSize = 200

	// MaxPages bounds Collect against servers that never stop paging
	MaxPages = 10000

	cursorPrefix = "offset:"
)

// ClampPageSize returns size limited to [1, MaxPageSize]; non-positive sizes
// become DefaultPageSize.
func ClampPageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

// EncodeCursor returns the opaque cursor for an item offset
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// DecodeCursor returns the offset encoded in cursor. The empty cursor is
// offset zero. Anything not produced by EncodeCursor is an invalid-params
// error.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, mcperrors.InvalidCursor(cursor, "not a valid cursor encoding")
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, mcperrors.InvalidCursor(cursor, "unrecognized cursor")
	}
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		return 0, mcperrors.InvalidCursor(cursor, "bad offset")
	}
	return offset, nil
}

// Page returns the items of the page starting at cursor and the cursor of
// the following page, which is empty on the last page. A cursor past the end
// of items is rejected.
func Page[T any](items []T, cursor string, pageSize int) ([]T, string, error) {
	offset, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if offset > len(items) || (offset == len(items) && offset > 0) {
		return nil, "", mcperrors.InvalidCursor(cursor, "offset beyond end of list")
	}

	end := offset + ClampPageSize(pageSize)
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], EncodeCursor(end), nil
}

// FetchFunc fetches the page at cursor and returns its items with the next cursor
type FetchFunc[T any] func(ctx context.Context, cursor string) (items []T, nextCursor string, err error)

// Collect follows cursors from the first page until a page returns no next
// cursor, accumulating items in order. A server that returns a cursor it
// already returned is reported as a protocol error.
func Collect[T any](ctx context.Context, fetch FetchFunc[T]) ([]T, error) {
	var (
		all    []T
		cursor string
		seen   = make(map[string]struct{})
	)

	for page := 0; page < MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, mcperrors.ConvertStandardError(err)
		}

		items, next, err := fetch(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)

		if next == "" {
			return all, nil
		}
		if _, dup := seen[next]; dup {
			return nil, mcperrors.ProtocolError(fmt.Sprintf("pagination cursor %q repeated", next))
		}
		seen[next] = struct{}{}
		cursor = next
	}
	return nil, mcperrors.ProtocolError(fmt.Sprintf("pagination exceeded %d pages", MaxPages))
}
