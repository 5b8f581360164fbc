// Package domain defines the entity persistence model shared by every store:
// references, entity state with its association states, the serialized
// document form and the two-phase EntityStore contract.
package domain
