package registry

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"mitr-safety-backend/internal/apperr"
	"mitr-safety-backend/internal/model"
	"mitr-safety-backend/internal/store"
)

// defaultTriggerWords apply to a contact when no override is supplied.
var defaultTriggerWords = []string{"help", "emergency", "sos", "save me"}

var phoneRe = regexp.MustCompile(`^\+?[\d\s\-()]{7,20}$`)

// Service owns device identity, pairing, contact lists and trigger words.
type Service struct {
	store store.Store

	defaultUpdateInterval int
}

// NewService creates a device registry backed by the given store.
func NewService(s store.Store, defaultUpdateIntervalSeconds int) *Service {
	return &Service{store: s, defaultUpdateInterval: defaultUpdateIntervalSeconds}
}

// ContactInput is one requested emergency contact.
type ContactInput struct {
	Name         string   `json:"name" binding:"required"`
	Phone        string   `json:"phone" binding:"required"`
	Relationship string   `json:"relationship"`
	TriggerWords []string `json:"trigger_words"`
}

// Register creates a new unowned device. The secret is stored hashed and
// later presented by the device itself on trigger/coordinate calls.
func (s *Service) Register(ctx context.Context, deviceID, name, secret string) (*model.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, apperr.New(apperr.Validation, "device id is required")
	}
	if secret == "" {
		return nil, apperr.New(apperr.Validation, "device secret is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to hash device secret")
	}

	if name == "" {
		name = "My MITR Device"
	}
	device := &model.Device{
		ID:                     deviceID,
		Name:                   name,
		SecretHash:             string(hash),
		LocationUpdateInterval: s.defaultUpdateInterval,
	}
	if err := s.store.CreateDevice(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// Claim pairs a registered device with an owner after verifying the device
// secret. Claiming a device you already own is a no-op.
func (s *Service) Claim(ctx context.Context, deviceID, secret, ownerID string) (*model.Device, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(device.SecretHash), []byte(secret)); err != nil {
		return nil, apperr.New(apperr.Unauthorized, "device credential mismatch")
	}
	if device.OwnerID == ownerID {
		return device, nil
	}
	if device.OwnerID != "" {
		return nil, apperr.New(apperr.Conflict, "device is already linked to another user")
	}
	if err := s.store.SetOwner(ctx, deviceID, ownerID); err != nil {
		return nil, err
	}
	device.OwnerID = ownerID
	return device, nil
}

// Authenticate verifies a device-presented credential and returns the device.
func (s *Service) Authenticate(ctx context.Context, deviceID, secret string) (*model.Device, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return nil, apperr.New(apperr.Unauthorized, "unknown device")
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(device.SecretHash), []byte(secret)); err != nil {
		return nil, apperr.New(apperr.Unauthorized, "device credential mismatch")
	}
	return device, nil
}

// Get returns the device after an ownership check.
func (s *Service) Get(ctx context.Context, deviceID, callerID string) (*model.Device, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.OwnerID != callerID {
		return nil, apperr.New(apperr.Forbidden, "device is not owned by the caller")
	}
	return device, nil
}

// SetEmergencyContacts replaces the device's ordered contact list.
func (s *Service) SetEmergencyContacts(ctx context.Context, deviceID, callerID string, contacts []ContactInput) (*model.Device, error) {
	if len(contacts) > model.MaxEmergencyContacts {
		return nil, apperr.Newf(apperr.Validation, "maximum %d contacts", model.MaxEmergencyContacts)
	}

	rows := make([]model.EmergencyContact, 0, len(contacts))
	for _, c := range contacts {
		name := strings.TrimSpace(c.Name)
		phone := strings.TrimSpace(c.Phone)
		if name == "" {
			return nil, apperr.New(apperr.Validation, "contact name is required")
		}
		if !phoneRe.MatchString(phone) {
			return nil, apperr.Newf(apperr.Validation, "invalid phone number for contact %s", name)
		}
		words := cleanWords(c.TriggerWords)
		if len(words) == 0 {
			words = defaultTriggerWords
		}
		rows = append(rows, model.EmergencyContact{
			Name:         name,
			Phone:        phone,
			Relationship: strings.TrimSpace(c.Relationship),
			TriggerWords: words,
		})
	}

	device, err := s.Get(ctx, deviceID, callerID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceEmergencyContacts(ctx, deviceID, rows); err != nil {
		return nil, err
	}
	return s.store.GetDevice(ctx, device.ID)
}

// SetTriggerWords replaces the device-level trigger word list.
func (s *Service) SetTriggerWords(ctx context.Context, deviceID, callerID string, words []string) (*model.Device, error) {
	for _, w := range words {
		if strings.TrimSpace(w) == "" {
			return nil, apperr.New(apperr.Validation, "trigger words must be non-empty")
		}
	}
	device, err := s.Get(ctx, deviceID, callerID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetTriggerWords(ctx, deviceID, cleanWords(words)); err != nil {
		return nil, err
	}
	device.TriggerWords = cleanWords(words)
	return device, nil
}

// MatchTriggerWord scans a message for the device's trigger phrases.
// Matching is case-insensitive substring, first match wins; contacts are
// scanned in list order before the device-level words.
func MatchTriggerWord(device *model.Device, message string) (string, bool) {
	lowered := strings.ToLower(message)
	for _, contact := range device.EmergencyContacts {
		for _, w := range contact.TriggerWords {
			if w != "" && strings.Contains(lowered, strings.ToLower(w)) {
				return w, true
			}
		}
	}
	for _, w := range device.TriggerWords {
		if w != "" && strings.Contains(lowered, strings.ToLower(w)) {
			return w, true
		}
	}
	return "", false
}

func cleanWords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}
