package metainfo

import "testing"

const bigBuckBunnyMagnet = "magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c&dn=Big+Buck+Bunny&tr=udp%3A%2F%2Fexplodie.org%3A6969&tr=udp%3A%2F%2Ftracker.coppersurfer.tk%3A6969&ws=https%3A%2F%2Fwebtorrent.io%2Ftorrents%2F&xs=https%3A%2F%2Fwebtorrent.io%2Ftorrents%2Fbig-buck-bunny.torrent"

func TestParseMagnet(t *testing.T) {
	m, err := ParseMagnet(bigBuckBunnyMagnet)
	if err != nil {
		t.Fatal(err)
	}
	if m.InfoHashHex() != "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c" {
		t.Errorf("unexpected info hash %s", m.InfoHashHex())
	}
	if m.Name != "Big Buck Bunny" {
		t.Errorf("unexpected display name %q", m.Name)
	}
	if len(m.Trackers) != 2 {
		t.Errorf("expected 2 trackers, got %d", len(m.Trackers))
	}
	if !m.HasTrackers() {
		t.Error("expected HasTrackers true")
	}
	if m.ExactSource != "https://webtorrent.io/torrents/big-buck-bunny.torrent" {
		t.Errorf("unexpected exact source %q", m.ExactSource)
	}
}

func TestParseMagnetHex(t *testing.T) {
	m, err := ParseMagnet("magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c")
	if err != nil {
		t.Fatal(err)
	}
	if m.InfoHashHex() != "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c" {
		t.Errorf("unexpected hash %s", m.InfoHashHex())
	}
	if m.HasTrackers() {
		t.Error("expected no trackers")
	}
}

func TestParseMagnetBase32(t *testing.T) {
	// Base32 encoding of the same 20 bytes as the hex tests above.
	m, err := ParseMagnet("magnet:?xt=urn:btih:3WBFL3G4PSSV7MF37AJSHWDQMLNR63I4")
	if err != nil {
		t.Fatal(err)
	}
	if m.InfoHashHex() != "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c" {
		t.Errorf("unexpected hash %s", m.InfoHashHex())
	}
}

func TestParseMagnetInvalid(t *testing.T) {
	for _, link := range []string{
		"not-a-magnet",
		"magnet:?dn=no-xt-here",
		"magnet:?xt=urn:btih:tooshort",
		"magnet:?xt=urn:ed2k:deadbeef",
	} {
		if _, err := ParseMagnet(link); err == nil {
			t.Errorf("expected error for %q", link)
		}
	}
}

func TestMagnetDisplayNameFallback(t *testing.T) {
	m, err := ParseMagnet("magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c")
	if err != nil {
		t.Fatal(err)
	}
	if m.DisplayName() != m.InfoHashHex()[:16]+"..." {
		t.Errorf("unexpected fallback display name %q", m.DisplayName())
	}
}
