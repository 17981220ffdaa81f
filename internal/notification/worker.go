package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"mitr-safety-backend/internal/model"
	"mitr-safety-backend/internal/store"
)

// PushSender defines the interface for sending a web push notification.
type PushSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of PushSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// alertJob identifies one session-start alert to fan out.
type alertJob struct {
	DeviceID  string
	SessionID string
}

// WorkerPool fans out emergency alerts in the background: SMS to the
// device's emergency contacts and web push to subscribed watchers. Jobs are
// handed off from the trigger path and never awaited there; per-recipient
// outcomes land in alert_deliveries for later inspection.
type WorkerPool struct {
	size        int
	jobs        chan alertJob
	store       store.Store
	sms         Sender
	webpush     *webpush.Options
	push        PushSender
	locationURL string
}

// NewWorkerPool creates a new alert worker pool.
func NewWorkerPool(size, queueSize int, s store.Store, sms Sender, webpushOptions *webpush.Options, locationURL string) *WorkerPool {
	return &WorkerPool{
		size:        size,
		jobs:        make(chan alertJob, queueSize),
		store:       s,
		sms:         sms,
		webpush:     webpushOptions,
		push:        &WebPushSender{},
		locationURL: locationURL,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Alert worker %d started", id)
	for {
		select {
		case job := <-wp.jobs:
			log.Printf("Alert worker %d processing device %s session %s", id, job.DeviceID, job.SessionID)
			wp.processAlert(ctx, job)
		case <-ctx.Done():
			log.Printf("Alert worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues an alert job without blocking. Reports false when the
// queue is full.
func (wp *WorkerPool) Dispatch(deviceID, sessionID string) bool {
	select {
	case wp.jobs <- alertJob{DeviceID: deviceID, SessionID: sessionID}:
		return true
	default:
		return false
	}
}

// processAlert delivers the alert to every recipient independently. One
// failed contact never aborts the rest of the batch.
func (wp *WorkerPool) processAlert(ctx context.Context, job alertJob) {
	device, err := wp.store.GetDevice(ctx, job.DeviceID)
	if err != nil {
		log.Printf("Error loading device %s for alert: %v", job.DeviceID, err)
		return
	}

	message := fmt.Sprintf(
		"EMERGENCY ALERT from MITR Device %s. Help needed! Live location: %s. This is an automated alert from the MITR SOS system.",
		device.ID, wp.locationURL,
	)

	deliveries := make([]model.AlertDelivery, 0, len(device.EmergencyContacts))
	for _, contact := range device.EmergencyContacts {
		deliveries = append(deliveries, wp.sendSMS(ctx, job, contact, message))
	}
	deliveries = append(deliveries, wp.sendWatcherPushes(ctx, job, message)...)

	if err := wp.store.RecordAlertDeliveries(ctx, deliveries); err != nil {
		log.Printf("Error recording alert deliveries for session %s: %v", job.SessionID, err)
	}
}

func (wp *WorkerPool) sendSMS(ctx context.Context, job alertJob, contact model.EmergencyContact, message string) model.AlertDelivery {
	delivery := model.AlertDelivery{
		SessionID:   job.SessionID,
		DeviceID:    job.DeviceID,
		ContactName: contact.Name,
		Phone:       contact.Phone,
		Channel:     model.ChannelSMS,
	}

	to, err := NormalizePhone(contact.Phone)
	if err != nil {
		log.Printf("Skipping contact %s for device %s: %v", contact.Name, job.DeviceID, err)
		delivery.Status = model.DeliveryFailed
		delivery.Error = err.Error()
		return delivery
	}
	delivery.Phone = to

	if _, err := wp.sms.Send(ctx, to, message); err != nil {
		log.Printf("Failed SMS to %s for device %s: %v", contact.Name, job.DeviceID, err)
		delivery.Status = model.DeliveryFailed
		delivery.Error = err.Error()
		return delivery
	}

	log.Printf("SMS delivered to %s for device %s", contact.Name, job.DeviceID)
	delivery.Status = model.DeliverySent
	return delivery
}

func (wp *WorkerPool) sendWatcherPushes(ctx context.Context, job alertJob, message string) []model.AlertDelivery {
	subscriptions, err := wp.store.SubscriptionsForDevice(ctx, job.DeviceID)
	if err != nil {
		log.Printf("Error fetching subscriptions for device %s: %v", job.DeviceID, err)
		return nil
	}
	if len(subscriptions) == 0 {
		return nil
	}

	payload, _ := json.Marshal(map[string]string{
		"device_id":  job.DeviceID,
		"session_id": job.SessionID,
		"message":    message,
	})

	deliveries := make([]model.AlertDelivery, 0, len(subscriptions))
	for _, sub := range subscriptions {
		delivery := model.AlertDelivery{
			SessionID: job.SessionID,
			DeviceID:  job.DeviceID,
			Channel:   model.ChannelPush,
			Status:    model.DeliverySent,
		}

		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}
		resp, err := wp.push.Send(payload, wpSub, wp.webpush)
		if err != nil {
			log.Printf("Error sending push to %s: %v", sub.Endpoint, err)
			delivery.Status = model.DeliveryFailed
			delivery.Error = err.Error()
			deliveries = append(deliveries, delivery)
			continue
		}
		resp.Body.Close()

		// Expired subscriptions are pruned.
		if resp.StatusCode == http.StatusGone {
			log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
			if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
				log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
			}
			delivery.Status = model.DeliveryFailed
			delivery.Error = "subscription expired"
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries
}
