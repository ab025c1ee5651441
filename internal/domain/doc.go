// Package domain defines core data models, sentinel errors and interfaces
// shared across the SDK. It contains plain types (wire/state) and contracts
// (interfaces) only.
package domain
