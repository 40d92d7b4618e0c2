package server

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/migadu/courier/consts"
)

var (
	localPartRegex  = regexp.MustCompile(`^(?:[A-Za-z0-9!#$%&'*+/=?^_{|}~-])+(?:\.(?:[A-Za-z0-9!#$%&'*+/=?^_{|}~-])+)*$`)
	domainNameRegex = regexp.MustCompile(`^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)
)

// Address is a syntactically valid mailbox address. The domain is lowercased;
// the local part keeps the case it was given in.
type Address struct {
	localPart string
	domain    string
}

// NewAddress trims input, strips surrounding angle brackets and validates
// it. Failures wrap consts.ErrInvalidAddress.
func NewAddress(input string) (Address, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "<") && strings.HasSuffix(input, ">") {
		input = strings.TrimSpace(input[1 : len(input)-1])
	}

	if input == "" {
		return Address{}, fmt.Errorf("%w: address is empty", consts.ErrInvalidAddress)
	}
	if strings.ContainsAny(input, " \t\r\n") {
		return Address{}, fmt.Errorf("%w: address contains whitespace: '%s'", consts.ErrInvalidAddress, input)
	}

	at := strings.LastIndexByte(input, '@')
	if at < 0 {
		return Address{}, fmt.Errorf("%w: address missing @: '%s'", consts.ErrInvalidAddress, input)
	}
	localPart, domain := input[:at], strings.ToLower(input[at+1:])

	if !localPartRegex.MatchString(localPart) {
		return Address{}, fmt.Errorf("%w: unacceptable local part: '%s'", consts.ErrInvalidAddress, localPart)
	}
	if len(domain) > 253 || !domainNameRegex.MatchString(domain) {
		return Address{}, fmt.Errorf("%w: unacceptable domain: '%s'", consts.ErrInvalidAddress, domain)
	}

	return Address{localPart: localPart, domain: domain}, nil
}

func (a Address) FullAddress() string {
	return a.localPart + "@" + a.domain
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) String() string {
	return a.FullAddress()
}

// IsValidDomain reports whether name is a syntactically valid host name with
// at least two labels. Case is ignored.
func IsValidDomain(name string) bool {
	return len(name) <= 253 && domainNameRegex.MatchString(name)
}
