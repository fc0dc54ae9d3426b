package natsclient

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/transaction"
)

var ErrMalformedEvent = errors.New("malformed settlement event")

const (
	fieldID             = "id"
	fieldRequestID      = "request_id"
	fieldInstitutionRef = "institution_ref"
	fieldStatus         = "status"
	fieldSettlementRef  = "settlement_ref"
	fieldOccurredAt     = "occurred_at"
)

// Encode encodes the settlement event to protobuf wire format.
func Encode(e settlement.Event) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		fieldID:             e.ID.String(),
		fieldRequestID:      e.RequestID,
		fieldInstitutionRef: e.InstitutionRef,
		fieldStatus:         e.Status.String(),
		fieldSettlementRef:  e.SettlementRef,
		fieldOccurredAt:     e.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Decode decodes the settlement event from protobuf wire format.
func Decode(raw []byte) (settlement.Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(raw, &s); err != nil {
		return settlement.Event{}, errors.Join(ErrMalformedEvent, err)
	}
	f := s.GetFields()

	id, err := uuid.Parse(f[fieldID].GetStringValue())
	if err != nil {
		return settlement.Event{}, errors.Join(ErrMalformedEvent, err)
	}
	var status transaction.Status
	if err := status.UnmarshalText([]byte(f[fieldStatus].GetStringValue())); err != nil {
		return settlement.Event{}, errors.Join(ErrMalformedEvent, err)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, f[fieldOccurredAt].GetStringValue())
	if err != nil {
		return settlement.Event{}, errors.Join(ErrMalformedEvent, err)
	}

	return settlement.Event{
		ID:             id,
		RequestID:      f[fieldRequestID].GetStringValue(),
		InstitutionRef: f[fieldInstitutionRef].GetStringValue(),
		Status:         status,
		SettlementRef:  f[fieldSettlementRef].GetStringValue(),
		OccurredAt:     occurredAt,
	}, nil
}
