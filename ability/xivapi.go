package ability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	pkgerrors "github.com/pkg/errors"
)

var jsonIter = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDecode marks a dictionary response that came back 200 but could
// not be parsed, kept distinct from request failures for stats.
var ErrDecode = errors.New("ability: undecodable dictionary response")

const (
	defaultDictURL = "https://xivapi.com"

	dictMaxAttempts = 3
	dictBackoffBase = 250 * time.Millisecond

	// Ids at or above this are plausibly namespace-folded; the
	// modulo-derived alternate id is tried as a last resort.
	foldThreshold = 1_000_000
	foldModulo    = 1_000_000
)

// sheetLadder is the ordered set of sheet namespaces an ability id may
// live under.
var sheetLadder = []string{"Action", "PetAction", "BuddyAction", "CraftAction", "PvPAction"}

// DictClient reads the external game-database dictionary service.
type DictClient struct {
	base  string
	resty *resty.Client
}

func NewDictClient(base string, timeout time.Duration) *DictClient {
	if base == "" {
		base = defaultDictURL
	}
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	}
	return &DictClient{base: strings.TrimRight(base, "/"), resty: r}
}

type sheetRow struct {
	ID   int    `json:"ID"`
	Name string `json:"Name"`
	Icon string `json:"Icon"`
}

// Ping is the lightweight connectivity probe run before bulk work. Any
// HTTP response at all counts as reachable; only transport failures and
// server errors do not.
func (c *DictClient) Ping(ctx context.Context) error {
	resp, err := c.resty.R().
		SetContext(ctx).
		Get(c.base + "/Action/1")
	if err != nil {
		return pkgerrors.Wrap(err, "ability: dictionary probe")
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("ability: dictionary probe: http %d", resp.StatusCode())
	}
	return nil
}

// fetch looks one id up in one sheet. A 404 is a clean miss; transient
// statuses are retried with the usual exponential backoff.
func (c *DictClient) fetch(ctx context.Context, sheet string, id int) (string, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= dictMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(dictBackoffBase * (1 << (attempt - 2))):
			}
		}

		resp, err := c.resty.R().
			SetContext(ctx).
			Get(fmt.Sprintf("%s/%s/%d", c.base, sheet, id))
		if err != nil {
			lastErr = pkgerrors.Wrapf(err, "ability: fetch %s/%d", sheet, id)
			continue
		}

		switch code := resp.StatusCode(); {
		case code == 404:
			return "", false, nil
		case code == 429 || code >= 500:
			lastErr = fmt.Errorf("ability: fetch %s/%d: http %d", sheet, id, code)
			continue
		case code >= 400:
			return "", false, fmt.Errorf("ability: fetch %s/%d: http %d", sheet, id, code)
		}

		var row sheetRow
		if err := jsonIter.Unmarshal(resp.Body(), &row); err != nil {
			return "", false, pkgerrors.Wrapf(ErrDecode, "ability: %s/%d: %v", sheet, id, err)
		}
		if row.Name == "" {
			return "", false, nil
		}
		return row.Name, true, nil
	}
	return "", false, lastErr
}

// Lookup resolves one ability id: the primary sheet first, then the
// alternate namespaces, then the modulo-folded id for ids large enough
// to plausibly be namespace-folded.
func (c *DictClient) Lookup(ctx context.Context, id int) (string, bool, error) {
	var lastErr error
	for _, sheet := range sheetLadder {
		name, found, err := c.fetch(ctx, sheet, id)
		if err != nil {
			lastErr = err
			continue
		}
		if found {
			return name, true, nil
		}
	}

	if id >= foldThreshold {
		folded := id % foldModulo
		if folded > 0 && folded != id {
			name, found, err := c.fetch(ctx, "Action", folded)
			if err != nil {
				lastErr = err
			} else if found {
				return name, true, nil
			}
		}
	}

	return "", false, lastErr
}

// SheetPage is one page of the bulk sheet listing used by the periodic
// full-sync collaborator to seed the durable cache.
type SheetPage struct {
	Rows []sheetRow
	Next int
}

// SheetAfter pages the bulk listing endpoint with an after/limit
// cursor. Next is zero when the sheet is exhausted.
func (c *DictClient) SheetAfter(ctx context.Context, sheet string, after, limit int) (SheetPage, error) {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetQueryParam("after", fmt.Sprint(after)).
		SetQueryParam("limit", fmt.Sprint(limit)).
		Get(fmt.Sprintf("%s/%s", c.base, sheet))
	if err != nil {
		return SheetPage{}, pkgerrors.Wrapf(err, "ability: sheet page %s after %d", sheet, after)
	}
	if resp.IsError() {
		return SheetPage{}, fmt.Errorf("ability: sheet page %s after %d: http %d", sheet, after, resp.StatusCode())
	}

	var body struct {
		Results []sheetRow `json:"Results"`
	}
	if err := jsonIter.Unmarshal(resp.Body(), &body); err != nil {
		return SheetPage{}, pkgerrors.Wrapf(ErrDecode, "ability: sheet page %s: %v", sheet, err)
	}

	page := SheetPage{Rows: body.Results}
	if len(body.Results) == limit && limit > 0 {
		page.Next = body.Results[len(body.Results)-1].ID
	}
	return page, nil
}
