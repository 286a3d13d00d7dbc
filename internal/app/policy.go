package app

// DefaultPolicy is written next to the config when the policy is enabled
// and no script exists yet. It accepts every invitation and invites no one.
const DefaultPolicy = `-- Pairing policy. Hooks are optional; delete one to leave that choice
-- to the user.

-- Return share text to invite a discovered peer, or nil to wait.
function on_discovered(name, id)
  return nil
end

-- Return true to accept, false to refuse, nil to ask the user.
function on_invitation(from, context)
  nearby.log.info("invitation from " .. from .. ": " .. context)
  return true
end

-- name is nil when the connection ended.
function on_connected(name)
  if name then
    nearby.log.info("connected to " .. name)
  end
end
`
