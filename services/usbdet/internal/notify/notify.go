// Package notify advertises the current accessory verdict through the
// registration service and applies the matching hardware profile.
package notify

import (
	"errors"
	"log/slog"

	"usbdet-go/drivers/cpcap"
	"usbdet-go/errcode"
	"usbdet-go/services/usbdet/internal/classify"
	"usbdet-go/types"
)

// Handle identifies one registration.
type Handle = string

type Registrar interface {
	Add(kind string) (Handle, error)
	Remove(h Handle) error
}

type ProfileApplier interface {
	ApplyProfile(p cpcap.Profile) error
}

// Notifier is owned by the detector worker; it is not safe for concurrent use.
type Notifier struct {
	reg Registrar
	hw  ProfileApplier
	log *slog.Logger

	current Handle
	usbConn Handle
	chgConn Handle
}

func New(reg Registrar, hw ProfileApplier, log *slog.Logger) *Notifier {
	return &Notifier{reg: reg, hw: hw, log: log}
}

func kindOf(v classify.Verdict) string {
	switch v {
	case classify.Usb:
		return types.KindUSBCharger
	case classify.Factory:
		return types.KindFactory
	case classify.Charger:
		return types.KindCharger
	}
	return ""
}

func profileOf(v classify.Verdict) cpcap.Profile {
	switch v {
	case classify.Usb, classify.Factory:
		return cpcap.ProfileUSB
	case classify.Charger:
		return cpcap.ProfileCharger
	}
	return cpcap.ProfileNone
}

// Notify replaces the current registration with one for v. Every step is
// attempted; failures are returned joined and are not fatal to the caller.
func (n *Notifier) Notify(v classify.Verdict) error {
	switch v {
	case classify.None, classify.Usb, classify.Factory, classify.Charger:
	default:
		return &errcode.E{C: errcode.InvalidVerdict, Op: "notify", Msg: v.String()}
	}
	n.log.Info("notify accessory", "verdict", v.String())

	var errs []error
	if n.current != "" {
		if err := n.reg.Remove(n.current); err != nil {
			errs = append(errs, errcode.Wrap(errcode.ResourceUnavailable, "remove accessory", err))
		}
		n.current = ""
	}

	if err := n.hw.ApplyProfile(profileOf(v)); err != nil {
		errs = append(errs, errcode.Wrap(errcode.ConfigError, "profile "+profileOf(v).String(), err))
	}

	if kind := kindOf(v); kind != "" {
		h, err := n.reg.Add(kind)
		if err != nil {
			errs = append(errs, errcode.Wrap(errcode.ResourceUnavailable, "add "+kind, err))
		} else {
			n.current = h
		}
	}

	usbLike := v == classify.Usb || v == classify.Factory
	errs = append(errs, n.presence(&n.usbConn, types.KindUSBConnected, usbLike))
	errs = append(errs, n.presence(&n.chgConn, types.KindChargerConnected, v == classify.Charger))
	return errors.Join(errs...)
}

// presence creates the registration once when want is set and removes it
// when cleared.
func (n *Notifier) presence(h *Handle, kind string, want bool) error {
	switch {
	case want && *h == "":
		nh, err := n.reg.Add(kind)
		if err != nil {
			return errcode.Wrap(errcode.ResourceUnavailable, "add "+kind, err)
		}
		*h = nh
	case !want && *h != "":
		err := n.reg.Remove(*h)
		*h = ""
		if err != nil {
			return errcode.Wrap(errcode.ResourceUnavailable, "remove "+kind, err)
		}
	}
	return nil
}

// Clear drops every outstanding registration.
func (n *Notifier) Clear() error {
	var errs []error
	for _, h := range []*Handle{&n.current, &n.usbConn, &n.chgConn} {
		if *h == "" {
			continue
		}
		if err := n.reg.Remove(*h); err != nil {
			errs = append(errs, err)
		}
		*h = ""
	}
	return errors.Join(errs...)
}

func (n *Notifier) UsbConnected() bool     { return n.usbConn != "" }
func (n *Notifier) ChargerConnected() bool { return n.chgConn != "" }
func (n *Notifier) Registered() bool       { return n.current != "" }
