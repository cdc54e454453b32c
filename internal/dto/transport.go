package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/yagydev/animalmela/internal/entity"
)

// TransportJobResponse is the public representation of a transport job.
type TransportJobResponse struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	TransporterID string          `json:"transporter_id"`
	Quote         decimal.Decimal `json:"quote"`
	Status        string          `json:"status"`
	Tracking      string          `json:"tracking,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FromTransportJob maps a job entity onto its response.
func FromTransportJob(j *entity.TransportJob) TransportJobResponse {
	return TransportJobResponse{
		ID:            j.ID,
		OrderID:       j.OrderID,
		TransporterID: j.TransporterID,
		Quote:         j.Quote,
		Status:        string(j.Status),
		Tracking:      j.Tracking,
		Version:       j.Version,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

// FromTransportJobs maps a list of jobs.
func FromTransportJobs(jobs []entity.TransportJob) []TransportJobResponse {
	out := make([]TransportJobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, FromTransportJob(&jobs[i]))
	}
	return out
}

// AcceptJobRequest is the body of POST /transport/accept.
type AcceptJobRequest struct {
	OrderID string          `json:"orderId"`
	Quote   decimal.Decimal `json:"quote"`
}

// UpdateJobRequest is the body of PATCH /transport/:id.
type UpdateJobRequest struct {
	Status   string  `json:"status"`
	Tracking *string `json:"tracking"`
}
