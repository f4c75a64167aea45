package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusSuccess    ItemStatus = "success"
	ItemStatusFailed     ItemStatus = "failed"
)

type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// ItemID is the opaque identity of an item. The API sends integers, push
// payloads may send strings; both decode to the same value.
type ItemID string

func (id *ItemID) UnmarshalJSON(data []byte) error {
	s, err := decodeID(data)
	if err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	*id = ItemID(s)
	return nil
}

func (id ItemID) MarshalJSON() ([]byte, error) {
	return encodeID(string(id))
}

func (id ItemID) String() string { return string(id) }

// BatchID is the opaque identity of a batch.
type BatchID string

func (id *BatchID) UnmarshalJSON(data []byte) error {
	s, err := decodeID(data)
	if err != nil {
		return fmt.Errorf("batch id: %w", err)
	}
	*id = BatchID(s)
	return nil
}

func (id BatchID) MarshalJSON() ([]byte, error) {
	return encodeID(string(id))
}

func (id BatchID) String() string { return string(id) }

// Topic returns the realtime channel name for the batch.
func (id BatchID) Topic() string {
	return "batches." + string(id)
}

func decodeID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func encodeID(s string) ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

// Item is one payment instruction row of a batch.
type Item struct {
	ID            ItemID          `json:"id"`
	Batch         BatchID         `json:"batch,omitempty"`
	RowNumber     int             `json:"row_number"`
	Phone         string          `json:"phone"`
	Amount        decimal.Decimal `json:"amount"`
	Status        ItemStatus      `json:"status"`
	ResultMessage string          `json:"result_message,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	AttemptCount  int             `json:"attempt_count,omitempty"`
}

type User struct {
	ID        int    `json:"id,omitempty"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	Fullname  string `json:"fullname,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DisplayName returns the first populated of full_name, fullname and name.
func (u User) DisplayName() string {
	for _, v := range []string{u.FullName, u.Fullname, u.Name} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Batch is an uploaded file and the status of its processing.
type Batch struct {
	ID               BatchID     `json:"id"`
	OriginalFilename string      `json:"original_filename"`
	Status           BatchStatus `json:"status"`
	CreatedAt        *time.Time  `json:"created_at,omitempty"`
	TotalRows        int         `json:"total_rows"`
	ProcessedRows    int         `json:"processed_rows"`
	Errors           int         `json:"errors"`
	UploadedBy       *User       `json:"uploaded_by,omitempty"`
	Items            []Item      `json:"items,omitempty"`
}

// WithStatus returns a copy of the batch with only the status replaced.
func (b Batch) WithStatus(status BatchStatus) Batch {
	b.Status = status
	return b
}

// ItemPage is one page of the paginated items endpoint.
type ItemPage struct {
	Count    int     `json:"count"`
	Next     *string `json:"next,omitempty"`
	Previous *string `json:"previous,omitempty"`
	Results  []Item  `json:"results"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
