package auction

import "github.com/gagliardetto/solana-go"

// ProgramID is the deployed auction program. Services override it from
// configuration before use.
var ProgramID = solana.MustPublicKeyFromBase58("E6WaQgpxTKEguevLkAJkogfhBsgfnsGyD15Yk4THxreW")

// VaultProgramID is the companion token-fraction vault program that holds the
// auctioned assets; the settlement path talks to it through VaultCaller.
var VaultProgramID = solana.MustPublicKeyFromBase58("EWxgMgz7jKA3qN5ET3h8p6FWdUW2Wp47ijcvTDfFLvsN")
