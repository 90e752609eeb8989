// Package models holds the receipt-to-ledger domain types shared by the
// parsing, mapping, storage, export and receipt packages.
package models
