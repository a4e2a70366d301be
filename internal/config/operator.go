package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/rho-bridge/internal/fsio"
)

// operatorSchema validates config.json before the allowlists are trusted.
const operatorSchema = `{
  "type": "object",
  "properties": {
    "allowedChatIds": {"type": "array", "items": {"type": "integer"}},
    "allowedUserIds": {"type": "array", "items": {"type": "integer"}}
  },
  "additionalProperties": true
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(operatorSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("operator.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("operator.json")
	})
	return schema, schemaErr
}

// Operator is the operator-managed allowlist document.
type Operator struct {
	AllowedChatIDs []int64 `json:"allowedChatIds"`
	AllowedUserIDs []int64 `json:"allowedUserIds"`
}

// HasChat reports whether id is allowlisted.
func (o *Operator) HasChat(id int64) bool { return containsID(o.AllowedChatIDs, id) }

// HasUser reports whether id is allowlisted.
func (o *Operator) HasUser(id int64) bool { return containsID(o.AllowedUserIDs, id) }

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// LoadOperator reads and validates config.json. A missing file yields an
// empty document; an invalid one is an error so a typo never widens access.
func LoadOperator(path string) (*Operator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Operator{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	var op Operator
	if err := fsio.ReadJSON(path, &op); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &op, nil
}

// SaveOperator writes config.json atomically.
func SaveOperator(path string, op *Operator) error {
	if op.AllowedChatIDs == nil {
		op.AllowedChatIDs = []int64{}
	}
	if op.AllowedUserIDs == nil {
		op.AllowedUserIDs = []int64{}
	}
	return fsio.WriteJSON(path, op)
}

// Grant adds a chat/user pair to the allowlists, skipping duplicates.
func (o *Operator) Grant(chatID, userID int64) {
	if chatID != 0 && !o.HasChat(chatID) {
		o.AllowedChatIDs = append(o.AllowedChatIDs, chatID)
	}
	if userID != 0 && !o.HasUser(userID) {
		o.AllowedUserIDs = append(o.AllowedUserIDs, userID)
	}
}
