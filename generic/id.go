package generic

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed, lexically sortable identifier such as "ent_01J...".
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NewEntryID() EntryID           { return EntryID(NewID("ent")) }
func NewContractID() ContractID     { return ContractID(NewID("con")) }
func NewAdjustmentID() AdjustmentID { return AdjustmentID(NewID("adj")) }
