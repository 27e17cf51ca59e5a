package common

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/deviceaccess"

	"github.com/edgemux/cdpmux/log"
)

// DevicePrompt is a pending browser prompt asking the user to pick a
// device, e.g. for WebBluetooth or WebUSB.
type DevicePrompt struct {
	session *Session
	id      deviceaccess.RequestID
	devices []*deviceaccess.PromptDevice
}

// Devices returns the devices the prompt offers.
func (p *DevicePrompt) Devices() []*deviceaccess.PromptDevice {
	return p.devices
}

// Select answers the prompt by picking the device with the given id.
func (p *DevicePrompt) Select(ctx context.Context, deviceID deviceaccess.DeviceID) error {
	action := deviceaccess.SelectPrompt(p.id, deviceID)
	if err := action.Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		return fmt.Errorf("selecting device %q: %w", deviceID, err)
	}
	return nil
}

// Cancel dismisses the prompt without picking a device.
func (p *DevicePrompt) Cancel(ctx context.Context) error {
	action := deviceaccess.CancelPrompt(p.id)
	if err := action.Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		return fmt.Errorf("canceling device prompt: %w", err)
	}
	return nil
}

// DevicePromptManager surfaces device selection prompts raised on one
// page session.
type DevicePromptManager struct {
	ctx             context.Context
	session         *Session
	timeoutSettings *TimeoutSettings
	logger          *log.Logger
}

// NewDevicePromptManager creates a prompt manager for the given session
// and enables the device access domain on it.
func NewDevicePromptManager(
	ctx context.Context, session *Session,
	timeoutSettings *TimeoutSettings, logger *log.Logger,
) (*DevicePromptManager, error) {
	m := &DevicePromptManager{
		ctx:             ctx,
		session:         session,
		timeoutSettings: timeoutSettings,
		logger:          logger,
	}
	if err := deviceaccess.Enable().Do(cdp.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("enabling device access domain: %w", err)
	}
	return m, nil
}

// WaitForDevicePrompt blocks until the page raises a device selection
// prompt or the default timeout expires.
func (m *DevicePromptManager) WaitForDevicePrompt(apiCtx context.Context) (*DevicePrompt, error) {
	m.logger.Debugf("DevicePromptManager:WaitForDevicePrompt", "sid:%v", m.session.ID())

	timeoutCtx, cancel := context.WithTimeout(apiCtx, m.timeoutSettings.timeout())
	defer cancel()

	ch, evCancel := createWaitForEventHandler(
		timeoutCtx, m.session,
		[]EventType{EventType(cdproto.EventDeviceAccessDeviceRequestPrompted)}, nil)
	defer evCancel(nil)

	select {
	case data := <-ch:
		ev, ok := data.(*deviceaccess.EventDeviceRequestPrompted)
		if !ok {
			return nil, fmt.Errorf("waiting for device prompt: %w", ErrChannelClosed)
		}
		return &DevicePrompt{
			session: m.session,
			id:      ev.ID,
			devices: ev.Devices,
		}, nil
	case <-timeoutCtx.Done():
		if apiCtx.Err() != nil {
			return nil, fmt.Errorf("waiting for device prompt: %w", apiCtx.Err())
		}
		return nil, fmt.Errorf("waiting for device prompt: %w",
			&TimeoutError{Method: "DevicePromptManager.WaitForDevicePrompt", Timeout: m.timeoutSettings.timeout()})
	}
}
