package btor

import (
	"encoding/base32"
	"encoding/hex"
	stdurl "net/url"
	"strings"

	"github.com/namvu9/bencode"
	"streambit/internal/errors"
)

// LoadMagnetURL builds a metadata-less torrent from a magnet
// link. The torrent carries the info hash, display name and
// tracker list; the info dictionary itself must be fetched
// from the swarm before the torrent can be downloaded.
func LoadMagnetURL(u *stdurl.URL) (*Torrent, error) {
	var op errors.Op = "btor.LoadMagnetURL"

	var dict bencode.Dictionary

	hash, err := exactTopic(u)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	dict.SetStringKey("info-hash", bencode.Bytes(hash))
	dict.SetStringKey("dn", bencode.Bytes(u.Query().Get("dn")))

	if trackers := trackerTier(u); len(trackers) > 0 {
		dict.SetStringKey("announce", trackers[0])
		dict.SetStringKey("announce-list", bencode.List{trackers})
	}

	return &Torrent{dict: &dict}, nil
}

// LoadMagnet parses a magnet URI string
func LoadMagnet(uri string) (*Torrent, error) {
	u, err := stdurl.Parse(uri)
	if err != nil {
		return nil, errors.Wrap(err, errors.Op("btor.LoadMagnet"), errors.BadArgument)
	}

	return LoadMagnetURL(u)
}

func exactTopic(u *stdurl.URL) ([]byte, error) {
	xt := strings.Split(u.Query().Get("xt"), ":")
	if len(xt) != 3 || xt[0] != "urn" {
		return nil, errors.New("magnet link has no valid exact topic (xt)")
	}

	if xt[1] != "btih" {
		return nil, errors.Newf("unsupported URN %q: only btih is supported", xt[1])
	}

	urn := xt[2]

	// The info hash is either 40 hex characters or 32
	// base32 characters
	if len(urn) == 40 {
		return hex.DecodeString(urn)
	}

	if len(urn) == 32 {
		return base32.StdEncoding.DecodeString(strings.ToUpper(urn))
	}

	return nil, errors.Newf("malformed info hash of length %d", len(urn))
}

func trackerTier(u *stdurl.URL) bencode.List {
	var tier bencode.List

	for _, tracker := range u.Query()["tr"] {
		tier = append(tier, bencode.Bytes(tracker))
	}

	return tier
}
