// Package api defines the JSON wire types of the relay protocol, shared by
// the client and the server. The relay only ever sees the fields in these
// structs; command content travels exclusively inside Ciphertext.
package api

// Upload outcome per record id.
const (
	// StatusCreated means the record was newly stored and assigned a
	// sequence number.
	StatusCreated = "created"

	// StatusAlreadyPresent means the id was already stored; the upload was
	// a no-op and no new sequence number was assigned.
	StatusAlreadyPresent = "already_present"
)

// SyncRecord is one encrypted history record on the wire. Ciphertext and
// Nonce are base64 in JSON ([]byte marshals that way). Seq is assigned by
// the relay and is zero on upload.
type SyncRecord struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tombstone  bool   `json:"tombstone"`
}

// CountResponse is the body of GET /sync/count.
type CountResponse struct {
	Count int64 `json:"count"`
}

// PageResponse is the body of GET /sync/history, ascending by Seq.
type PageResponse struct {
	Records []SyncRecord `json:"records"`
}

// UploadRequest is the body of POST /sync/history.
type UploadRequest struct {
	Records []SyncRecord `json:"records"`
}

// UploadResponse maps each uploaded id to StatusCreated or
// StatusAlreadyPresent.
type UploadResponse struct {
	Results map[string]string `json:"results"`
}

// RegisterRequest is the body of POST /account/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest is the body of POST /account/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionResponse carries the bearer credential issued at register/login.
type SessionResponse struct {
	Session string `json:"session"`
}

// ErrorResponse is the body of any non-2xx relay response.
type ErrorResponse struct {
	Error string `json:"error"`
}
