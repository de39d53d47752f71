package main

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/persistence"
)

// bundleJSON is the control-plane wire shape for a PreKeyBundle; the
// relay's own routing path never touches this, only the HTTP API used
// by clients to publish and fetch prekey material.
type bundleJSON struct {
	Wallet                  string  `json:"wallet"`
	IdentityPublic          []byte  `json:"identity_public"`
	IdentityAgreementPublic []byte  `json:"identity_agreement_public"`
	SignedPreKeyID          uint32  `json:"signed_prekey_id"`
	SignedPreKeyPublic      []byte  `json:"signed_prekey_public"`
	SignedPreKeySignature   []byte  `json:"signed_prekey_signature"`
	OneTimePreKeyID         *uint32 `json:"one_time_prekey_id,omitempty"`
	OneTimePreKeyPublic     []byte  `json:"one_time_prekey_public,omitempty"`
}

func toBundleJSON(b identity.PreKeyBundle) bundleJSON {
	out := bundleJSON{
		Wallet:                  b.Wallet.String(),
		IdentityPublic:          b.IdentityPublic,
		IdentityAgreementPublic: b.IdentityAgreementPublic[:],
		SignedPreKeyID:          b.SignedPreKeyID,
		SignedPreKeyPublic:      b.SignedPreKeyPublic[:],
		SignedPreKeySignature:   b.SignedPreKeySignature[:],
	}
	if b.OneTimePreKeyID != nil {
		out.OneTimePreKeyID = b.OneTimePreKeyID
		out.OneTimePreKeyPublic = b.OneTimePreKeyPublic[:]
	}
	return out
}

func handlePublishBundle(idStore *identity.Store, pstore *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		walletParam := mux.Vars(req)["wallet"]
		wallet, err := decodeWalletParam(walletParam)
		if err != nil {
			http.Error(w, "invalid wallet", http.StatusBadRequest)
			return
		}

		if _, err := idStore.GetOrCreateIdentity(wallet); err != nil {
			http.Error(w, "identity error", http.StatusInternalServerError)
			return
		}
		if err := idStore.RotateSignedPreKey(wallet); err != nil {
			http.Error(w, "rotate signed prekey failed", http.StatusInternalServerError)
			return
		}
		if _, err := idStore.AddOneTimePreKeys(wallet, 10); err != nil {
			http.Error(w, "add one-time prekeys failed", http.StatusInternalServerError)
			return
		}

		bundle, err := idStore.PublishPreKeyBundle(wallet)
		if err != nil {
			http.Error(w, "publish bundle failed", http.StatusInternalServerError)
			return
		}

		if pstore != nil {
			if err := pstore.SaveBundle(bundle); err != nil {
				http.Error(w, "persist bundle failed", http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toBundleJSON(bundle))
	}
}

func handleFetchBundle(idStore *identity.Store, pstore *persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		walletParam := mux.Vars(req)["wallet"]
		wallet, err := decodeWalletParam(walletParam)
		if err != nil {
			http.Error(w, "invalid wallet", http.StatusBadRequest)
			return
		}

		bundle, err := idStore.PublishPreKeyBundle(wallet)
		if err != nil && pstore != nil {
			bundle, err = pstore.LoadBundle(wallet)
		}
		if err != nil {
			http.Error(w, "bundle not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toBundleJSON(bundle))
	}
}

func decodeWalletParam(s string) (identity.WalletAddress, error) {
	pub, err := identity.DecodeBase58(s)
	if err != nil {
		return identity.WalletAddress{}, err
	}
	return identity.WalletFromPublicKey(ed25519.PublicKey(pub))
}
