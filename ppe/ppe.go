// Package ppe holds the vocabulary of the safety-equipment classifier:
// class labels produced by the detector and the severity of each violation.
package ppe

// Class is a detector class label
type Class string

const (
	// ClassCompliant is a person wearing both helmet and vest
	ClassCompliant Class = "with_helmet_and_vest"
	// ClassNoHelmet is a person without helmet
	ClassNoHelmet Class = "without_helmet"
	// ClassNoVest is a person without vest
	ClassNoVest Class = "without_vest"
	// ClassUnknown is any label outside of the known set
	ClassUnknown Class = "unknown"
)

// Classes lists known classes in detector index order
var Classes = []Class{ClassCompliant, ClassNoHelmet, ClassNoVest}

// ClassFromIndex maps detector class index to label. Out of range indices give ClassUnknown
func ClassFromIndex(idx int) Class {
	if idx < 0 || idx >= len(Classes) {
		return ClassUnknown
	}
	return Classes[idx]
}

// ParseClass maps arbitrary label to a known class
func ParseClass(label string) Class {
	for _, class := range Classes {
		if string(class) == label {
			return class
		}
	}
	return ClassUnknown
}

// IsViolation reports whether class means missing equipment
func (c Class) IsViolation() bool {
	return c == ClassNoHelmet || c == ClassNoVest
}

// Severity returns severity of the class
func (c Class) Severity() Severity {
	switch c {
	case ClassNoHelmet:
		return SeverityHigh
	case ClassNoVest:
		return SeverityMedium
	default:
		return SeverityNone
	}
}

// ViolationType returns human readable violation name, empty for non-violations
func (c Class) ViolationType() string {
	switch c {
	case ClassNoHelmet:
		return "Missing Helmet"
	case ClassNoVest:
		return "Missing Vest"
	default:
		return ""
	}
}

func (c Class) String() string {
	return string(c)
}

// Severity of a violation
type Severity string

const (
	SeverityNone   Severity = "NONE"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

func (s Severity) String() string {
	return string(s)
}
