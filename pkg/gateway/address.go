// Copyright 2024-2026 Aiku AI

package gateway

import "strings"

const broadcastServer = "broadcast"

// NormalizeAddress strips the device suffix from an address, so that
// "5511999:12@s.whatsapp.net" and "5511999@s.whatsapp.net" compare equal.
func NormalizeAddress(addr string) string {
	user, server, found := strings.Cut(addr, "@")
	if idx := strings.IndexByte(user, ':'); idx >= 0 {
		user = user[:idx]
	}
	if !found {
		return user
	}
	return user + "@" + server
}

// SameAccount reports whether two addresses belong to the same account.
func SameAccount(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// IsBroadcastAddress reports whether the address is a broadcast list or
// status feed rather than an addressable contact.
func IsBroadcastAddress(addr string) bool {
	_, server, found := strings.Cut(addr, "@")
	return found && server == broadcastServer
}
