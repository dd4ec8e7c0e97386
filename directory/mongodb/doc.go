// Package mongodb implements gatehouse.UserDirectory over a MongoDB users
// collection, the account store of the booking backend.
//
// One document per user carries the account fields plus an embedded
// two-factor subdocument and the recovery-code hash array. Recovery-code
// consumption uses a single $pull update and inspects ModifiedCount, so two
// concurrent attempts with the same code resolve server-side: exactly one
// observes a removal.
package mongodb
