package handler

import "strings"

// maskNIK keeps the last four digits of a national ID number.
func maskNIK(nik string) string {
	if len(nik) <= 4 {
		return nik
	}
	return strings.Repeat("*", len(nik)-4) + nik[len(nik)-4:]
}
