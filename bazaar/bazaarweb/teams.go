// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb

import (
	"net/http"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/console"
)

func (server *Server) handleTeamCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	team, err := server.console.CreateTeam(r.Context(), body.Name)
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "team created", map[string]interface{}{
		"team_id": team.ID,
		"name":    team.Name,
	})
}

func (server *Server) handleTeamAddUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TeamID uuid.UUID `json:"team_id"`
		Email  string    `json:"email"`
		Role   string    `json:"role,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	role := console.TeamRole(body.Role)
	if body.Role == "" {
		role = console.RoleMember
	}
	if err := server.console.AddTeamMember(r.Context(), body.TeamID, body.Email, role); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "user added to team", nil)
}

func (server *Server) handleTeamAssignAdmin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TeamID uuid.UUID `json:"team_id"`
		UserID uuid.UUID `json:"user_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	if err := server.console.AssignTeamAdmin(r.Context(), body.TeamID, body.UserID); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "team admin assigned", nil)
}

func (server *Server) handleTeamRemoveUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TeamID uuid.UUID `json:"team_id"`
		UserID uuid.UUID `json:"user_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	if err := server.console.RemoveTeamMember(r.Context(), body.TeamID, body.UserID); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "user removed from team", nil)
}

func (server *Server) handleTeamDelete(w http.ResponseWriter, r *http.Request) {
	teamID, err := queryUUID(r, "team_id")
	if err != nil {
		server.serveError(w, err)
		return
	}
	if err := server.console.DeleteTeam(r.Context(), teamID); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "team deleted", nil)
}

func (server *Server) handleTeamList(w http.ResponseWriter, r *http.Request) {
	teams, err := server.console.ListTeams(r.Context())
	if err != nil {
		server.serveError(w, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(teams))
	for _, team := range teams {
		views = append(views, map[string]interface{}{
			"team_id": team.ID,
			"name":    team.Name,
		})
	}
	serveJSON(w, http.StatusOK, "teams", views)
}

func (server *Server) handleTeamUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	teamID, err := queryUUID(r, "team_id")
	if err != nil {
		server.serveError(w, err)
		return
	}
	members, err := server.console.TeamMemberships(ctx, teamID)
	if err != nil {
		server.serveError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(members))
	for _, member := range members {
		user, err := server.consoleDB.Users().Get(ctx, member.UserID)
		if err != nil {
			// membership of a user deleted mid-listing
			continue
		}
		views = append(views, map[string]interface{}{
			"user_id":  user.ID,
			"username": user.Username,
			"email":    user.Email,
			"role":     string(member.Role),
		})
	}
	serveJSON(w, http.StatusOK, "team members", views)
}
