package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ossgateway/internal/registry"
)

func TestTransform(t *testing.T) {
	t.Run("canonical names win over aliases", func(t *testing.T) {
		p := Transform(Raw{
			"pemohonNama": "Siti Rahma",
			"nama":        "ignored",
			"pemohonNIK":  "3171234567890123",
			"usahaNama":   "Toko Maju",
			"kbliKode":    "47191",
		})
		assert.Equal(t, "Siti Rahma", p.ApplicantName)
		assert.Equal(t, "3171234567890123", p.ApplicantNIK)
		assert.Equal(t, "Toko Maju", p.BusinessName)
		assert.Equal(t, "47191", p.KBLICode)
	})

	t.Run("aliases fill in and empty values fall through", func(t *testing.T) {
		p := Transform(Raw{
			"pemohonNama":    "",
			"nama":           "Budi",
			"phone":          "08123",
			"namaUsaha":      "Warung Budi",
			"address":        "Jl. Sudirman 1",
			"city":           "Bandung",
			"kbli":           "56102",
			"jenisIzin":      "NIB",
			"tingkatRisiko":  "Menengah",
			"deskripsi":      "warung makan",
			"pemohonTelepon": nil,
		})
		assert.Equal(t, "Budi", p.ApplicantName)
		assert.Equal(t, "08123", p.ApplicantPhone)
		assert.Equal(t, "Warung Budi", p.BusinessName)
		assert.Equal(t, "Jl. Sudirman 1", p.BusinessAddress)
		assert.Equal(t, "Bandung", p.BusinessCity)
		assert.Equal(t, "56102", p.KBLICode)
		assert.Equal(t, "NIB", p.PermitType)
		assert.Equal(t, "Menengah", p.RiskLevel)
		assert.Equal(t, "warung makan", p.PermitDescription)
	})

	t.Run("defaults", func(t *testing.T) {
		p := Transform(Raw{})
		assert.Equal(t, registry.Payload{
			BusinessProvince: DefaultProvince,
			BusinessCity:     DefaultCity,
			KBLICode:         DefaultKBLICode,
			KBLIName:         DefaultKBLIName,
			PermitType:       DefaultPermitType,
			RiskLevel:        DefaultRiskLevel,
		}, p)
	})

	t.Run("numeric NIK from JSON keeps every digit", func(t *testing.T) {
		var raw Raw
		require.NoError(t, json.Unmarshal([]byte(`{"nik": 3171234567890123, "kbliKode": 47111}`), &raw))
		p := Transform(raw)
		assert.Equal(t, "3171234567890123", p.ApplicantNIK)
		assert.Equal(t, "47111", p.KBLICode)
	})
}

func TestValidate(t *testing.T) {
	valid := Transform(Raw{"pemohonNIK": "3171234567890123", "kbliKode": "47911"})

	tests := []struct {
		name   string
		mutate func(p *registry.Payload)
		want   []string
	}{
		{name: "valid", mutate: func(*registry.Payload) {}},
		{
			name:   "short NIK",
			mutate: func(p *registry.Payload) { p.ApplicantNIK = "123" },
			want:   []string{"pemohonNIK: must be 16 digits"},
		},
		{
			name:   "NIK with letters",
			mutate: func(p *registry.Payload) { p.ApplicantNIK = "31712345678901AB" },
			want:   []string{"pemohonNIK: must be 16 digits"},
		},
		{
			name:   "missing NIK",
			mutate: func(p *registry.Payload) { p.ApplicantNIK = "" },
			want:   []string{"pemohonNIK: cannot be blank"},
		},
		{
			name: "both invalid",
			mutate: func(p *registry.Payload) {
				p.ApplicantNIK = "123"
				p.KBLICode = "4791"
			},
			want: []string{"kbliKode: must be 5 digits", "pemohonNIK: must be 16 digits"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := Validate(p)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			var ve *registry.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.want, ve.Errors)
			assert.Zero(t, ve.StatusCode)
		})
	}
}
