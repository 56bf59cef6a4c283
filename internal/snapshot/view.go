package snapshot

import (
	"time"

	"github.com/sells-group/bookout-recon/internal/model"
)

// View is a read-only projection of a valuation's state, either captured in
// a snapshot or read live.
type View struct {
	SnapshotID string             `json:"snapshot_id,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	CapturedAt time.Time          `json:"captured_at"`
	Valuation  model.Valuation    `json:"valuation"`
	LineItems  []model.LineItem   `json:"line_items"`
	Meta       model.SnapshotMeta `json:"meta"`
	Selected   []string           `json:"selected_codes"`

	byCode map[string]model.LineItem
}

// ViewOf projects a stored snapshot.
func ViewOf(snap *model.Snapshot) *View {
	v := newView(snap.Data.Valuation, snap.Data.LineItems, snap.CreatedAt)
	v.SnapshotID = snap.ID
	v.Reason = snap.Reason
	v.Meta = snap.Data.Meta
	return v
}

// LiveView projects the current valuation state.
func LiveView(val *model.Valuation, items []model.LineItem, at time.Time) *View {
	return newView(*val, items, at)
}

func newView(val model.Valuation, items []model.LineItem, at time.Time) *View {
	v := &View{
		CapturedAt: at,
		Valuation:  val,
		LineItems:  items,
		Meta:       Meta(val.Values, items),
		Selected:   model.SelectedCodes(items),
		byCode:     make(map[string]model.LineItem, len(items)),
	}
	for _, li := range items {
		v.byCode[li.Code] = li
	}
	return v
}

// Item returns the line item with code, if present.
func (v *View) Item(code string) (model.LineItem, bool) {
	li, ok := v.byCode[code]
	return li, ok
}
