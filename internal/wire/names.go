package wire

import "strings"

const maxNameLength = 255

// ValidObjectPath reports whether p is a syntactically valid object path.
func ValidObjectPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	if strings.HasSuffix(p, "/") {
		return false
	}
	for _, elem := range strings.Split(p[1:], "/") {
		if elem == "" {
			return false
		}
		for i := 0; i < len(elem); i++ {
			if !isNameChar(elem[i], false) {
				return false
			}
		}
	}
	return true
}

// ValidInterface reports whether name is a valid interface name.
func ValidInterface(name string) bool {
	return validDotted(name, false, false)
}

// ValidErrorName reports whether name is a valid error name. Error names
// follow the interface name rules.
func ValidErrorName(name string) bool {
	return validDotted(name, false, false)
}

// ValidMember reports whether name is a valid member (method or signal) name.
func ValidMember(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i], false) {
			return false
		}
	}
	return true
}

// ValidUniqueName reports whether name is a daemon-assigned unique name such
// as ":1.42".
func ValidUniqueName(name string) bool {
	return strings.HasPrefix(name, ":") && validDotted(name[1:], true, true)
}

// ValidWellKnownName reports whether name is a valid well-known bus name.
func ValidWellKnownName(name string) bool {
	return !strings.HasPrefix(name, ":") && validDotted(name, true, false)
}

// ValidBusName reports whether name is a valid unique or well-known name.
func ValidBusName(name string) bool {
	return ValidUniqueName(name) || ValidWellKnownName(name)
}

// validDotted checks dot-separated names with at least two elements.
func validDotted(name string, allowHyphen, allowLeadingDigit bool) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, elem := range elems {
		if elem == "" {
			return false
		}
		if !allowLeadingDigit && elem[0] >= '0' && elem[0] <= '9' {
			return false
		}
		for i := 0; i < len(elem); i++ {
			if !isNameChar(elem[i], allowHyphen) {
				return false
			}
		}
	}
	return true
}

func isNameChar(c byte, allowHyphen bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return true
	case c == '-':
		return allowHyphen
	}
	return false
}
