// Package payload turns a back-office application into the registry's
// submission schema and runs the format checks that must pass before any
// network call.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"ossgateway/internal/registry"
)

// Raw is an application as the back office sends it. Field names vary
// between sources; Transform resolves them.
type Raw map[string]any

// UnmarshalJSON keeps numbers exact so a numeric NIK survives decoding.
func (r *Raw) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*r = m
	return nil
}

// Defaults applied when no alias of a field carries a value.
const (
	DefaultProvince   = "DKI Jakarta"
	DefaultCity       = "Jakarta Selatan"
	DefaultKBLICode   = "47911"
	DefaultKBLIName   = "Perdagangan Eceran"
	DefaultPermitType = "Izin Usaha"
	DefaultRiskLevel  = "Rendah"
)

// Transform maps raw onto the registry schema. For each field the first
// alias holding a non-empty value wins.
func Transform(raw Raw) registry.Payload {
	return registry.Payload{
		ApplicantName:     raw.pick("", "pemohonNama", "nama"),
		ApplicantNIK:      raw.pick("", "pemohonNIK", "nik"),
		ApplicantEmail:    raw.pick("", "pemohonEmail", "email"),
		ApplicantPhone:    raw.pick("", "pemohonTelepon", "telepon", "phone"),
		BusinessName:      raw.pick("", "usahaNama", "namaUsaha", "businessName"),
		BusinessAddress:   raw.pick("", "usahaAlamat", "alamatUsaha", "address"),
		BusinessProvince:  raw.pick(DefaultProvince, "usahaProvinsi", "provinsi"),
		BusinessCity:      raw.pick(DefaultCity, "usahaKabKota", "kabKota", "city"),
		KBLICode:          raw.pick(DefaultKBLICode, "kbliKode", "kbli"),
		KBLIName:          raw.pick(DefaultKBLIName, "kbliNama", "kbliDescription"),
		PermitType:        raw.pick(DefaultPermitType, "izinJenis", "jenisIzin"),
		PermitDescription: raw.pick("", "izinDeskripsi", "deskripsi"),
		RiskLevel:         raw.pick(DefaultRiskLevel, "risikoLevel", "tingkatRisiko"),
	}
}

func (r Raw) pick(fallback string, keys ...string) string {
	for _, k := range keys {
		if s := stringify(r[k]); s != "" {
			return s
		}
	}
	return fallback
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if t == 0 {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if !t {
			return ""
		}
		return "true"
	default:
		return fmt.Sprint(t)
	}
}

var (
	nikPattern  = regexp.MustCompile(`^\d{16}$`)
	kbliPattern = regexp.MustCompile(`^\d{5}$`)
)

// Validate runs the pre-flight format checks. Failures come back as a
// *registry.ValidationError keyed by registry field name.
func Validate(p registry.Payload) error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.ApplicantNIK,
			validation.Required,
			validation.Match(nikPattern).Error("must be 16 digits"),
		),
		validation.Field(&p.KBLICode,
			validation.Required,
			validation.Match(kbliPattern).Error("must be 5 digits"),
		),
	)
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate payload: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for field, ferr := range verrs {
		fields[field] = ferr.Error()
	}
	return registry.NewFieldValidationError(fields)
}
