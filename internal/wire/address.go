package wire

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
)

const maxAddressLength = 320

// ErrInvalidAddress indicates that an address is empty, unparseable, or exceeds storage bounds.
var ErrInvalidAddress = errors.New("wire: invalid address")

// Address is a normalized (lower-case addr-spec) email identity.
type Address string

// ParseAddress validates raw input and returns the normalized Address.
func ParseAddress(rawInput string) (Address, error) {
	verbatim, err := ParseAddressVerbatim(rawInput)
	if err != nil {
		return "", err
	}
	return Address(strings.ToLower(verbatim)), nil
}

// ParseAddressVerbatim returns the addr-spec exactly as written, without case folding.
func ParseAddressVerbatim(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if len(trimmed) > maxAddressLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAddress, maxAddressLength)
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !strings.Contains(parsed.Address, "@") {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}
	return parsed.Address, nil
}

// String returns the underlying address.
func (a Address) String() string {
	return string(a)
}

// Domain returns the part after the last '@', or the empty string.
func (a Address) Domain() string {
	value := string(a)
	index := strings.LastIndex(value, "@")
	if index < 0 {
		return ""
	}
	return value[index+1:]
}

// AddressSet is an unordered set of addresses.
type AddressSet map[Address]struct{}

// NewAddressSet builds a set from the provided addresses.
func NewAddressSet(addresses ...Address) AddressSet {
	set := make(AddressSet, len(addresses))
	for _, address := range addresses {
		set[address] = struct{}{}
	}
	return set
}

// Has reports set membership.
func (s AddressSet) Has(address Address) bool {
	_, ok := s[address]
	return ok
}

// Add inserts the address.
func (s AddressSet) Add(address Address) {
	s[address] = struct{}{}
}

// Sorted returns the members in lexical order.
func (s AddressSet) Sorted() []Address {
	sorted := make([]Address, 0, len(s))
	for address := range s {
		sorted = append(sorted, address)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func parseAddressList(values []string) []Address {
	var addresses []Address
	seen := AddressSet{}
	for _, value := range values {
		list, err := mail.ParseAddressList(value)
		if err != nil {
			continue
		}
		for _, entry := range list {
			address, err := ParseAddress(entry.Address)
			if err != nil || seen.Has(address) {
				continue
			}
			seen.Add(address)
			addresses = append(addresses, address)
		}
	}
	return addresses
}
