package config

import (
	"fmt"

	"github.com/runledger/internal/domain"
)

// SeedConfig lists maps and users loaded into the store at startup. Map and
// user management live outside this service.
type SeedConfig struct {
	Maps  []SeedMap  `yaml:"maps"`
	Users []SeedUser `yaml:"users"`
}

// SeedMap is a map with its tracks
type SeedMap struct {
	ID       int64       `yaml:"id"`
	Name     string      `yaml:"name"`
	Hash     string      `yaml:"hash"`
	GameMode string      `yaml:"game_mode"`
	Tracks   []SeedTrack `yaml:"tracks"`
}

// SeedTrack is one track of a seeded map
type SeedTrack struct {
	TrackNum int  `yaml:"track_num"`
	NumZones int  `yaml:"num_zones"`
	IsLinear bool `yaml:"is_linear"`
	Tier     int  `yaml:"tier"`
}

// SeedUser is a seeded user
type SeedUser struct {
	ID      int64  `yaml:"id"`
	SteamID uint64 `yaml:"steam_id"`
	Alias   string `yaml:"alias"`
}

// MapInfos converts the seeded maps to domain maps
func (c *SeedConfig) MapInfos() []domain.MapInfo {
	maps := make([]domain.MapInfo, 0, len(c.Maps))
	for _, m := range c.Maps {
		info := domain.MapInfo{
			ID:       m.ID,
			Name:     m.Name,
			Hash:     m.Hash,
			GameMode: domain.GameMode(m.GameMode),
		}
		for _, t := range m.Tracks {
			info.Tracks = append(info.Tracks, domain.MapTrack{
				MapID:    m.ID,
				TrackNum: t.TrackNum,
				NumZones: t.NumZones,
				IsLinear: t.IsLinear,
				Tier:     t.Tier,
			})
		}
		maps = append(maps, info)
	}
	return maps
}

// DomainUsers converts the seeded users to domain users
func (c *SeedConfig) DomainUsers() []domain.User {
	users := make([]domain.User, 0, len(c.Users))
	for _, u := range c.Users {
		users = append(users, domain.User{ID: u.ID, SteamID: u.SteamID, Alias: u.Alias})
	}
	return users
}

// Validate rejects seeds the run engine could not serve
func (c *SeedConfig) Validate() error {
	for _, m := range c.Maps {
		if m.ID <= 0 {
			return fmt.Errorf("seed map %q: id must be positive", m.Name)
		}
		if len(m.Hash) != 40 {
			return fmt.Errorf("seed map %q: hash must be 40 hex characters", m.Name)
		}
		hasMain := false
		for _, t := range m.Tracks {
			if t.NumZones < 1 {
				return fmt.Errorf("seed map %q track %d: needs at least one zone", m.Name, t.TrackNum)
			}
			hasMain = hasMain || t.TrackNum == domain.MainTrack
		}
		if !hasMain {
			return fmt.Errorf("seed map %q: no main track", m.Name)
		}
	}
	for _, u := range c.Users {
		if u.ID <= 0 {
			return fmt.Errorf("seed user %q: id must be positive", u.Alias)
		}
	}
	return nil
}
