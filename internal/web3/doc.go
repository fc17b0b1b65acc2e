// Package web3 houses blockchain connectivity utilities: the chain client
// abstraction, YAML chain definitions, and the ERC-20 based stake checker
// that lets the energy ledger confirm token holdings before staking.
package web3
